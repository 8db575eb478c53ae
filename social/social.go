// Package social maintains friend requests, mirrored friendship edges and
// blocks.
//
// Both halves of a friendship are always written or removed in one merge,
// never through a transaction: knowing the two paths requires no read of
// their prior value.
package social

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"arcade/apperr"
	"arcade/moderation"
	"arcade/notify"
	"arcade/profile"
	"arcade/ratelimit"
	"arcade/store"
)

// searchLimit caps SearchUsers results.
const searchLimit = 10

var (
	ErrSelfRequest     = apperr.New(apperr.ErrValidation, "cannot add yourself")
	ErrAlreadyFriends  = apperr.New(apperr.ErrValidation, "already friends")
	ErrRequestPending  = apperr.New(apperr.ErrValidation, "request already sent")
	ErrBlocked         = apperr.New(apperr.ErrPermission, "cannot send a request to this user")
	ErrRequestNotFound = apperr.New(apperr.ErrNotFound, "friend request not found")
	ErrInvalidStatus   = apperr.New(apperr.ErrValidation, "status must be online or offline")
)

// Edge is one directed half of a friendship, stored at
// friends/{owner}/{other}.
type Edge struct {
	ID       string `json:"-"`
	Username string `json:"username"`
	AddedAt  int64  `json:"addedAt"`
	Status   string `json:"status"`
}

func (e *Edge) Validate() error {
	if e.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

// Request is stored at friendRequests/{recipient}/{requester}.
type Request struct {
	ID       string `json:"-"`
	Username string `json:"username"`
	SentAt   int64  `json:"sentAt"`
}

func (r *Request) Validate() error {
	if r.Username == "" {
		return errors.New("username is required")
	}
	return nil
}

type Block struct {
	BlockedAt int64 `json:"blockedAt"`
}

func FriendPath(owner string, other ...string) string {
	return store.Join(append([]string{"friends", owner}, other...)...)
}

func RequestPath(recipient string, requester ...string) string {
	return store.Join(append([]string{"friendRequests", recipient}, requester...)...)
}

func BlockPath(owner string, target ...string) string {
	return store.Join(append([]string{"blocked", owner}, target...)...)
}

type Graph struct {
	store   store.Store
	users   *profile.Directory
	limiter ratelimit.Limiter
	filter  moderation.Filter
	now     func() time.Time
	logger  *slog.Logger
}

func NewGraph(st store.Store, users *profile.Directory, limiter ratelimit.Limiter, filter moderation.Filter, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		store:   st,
		users:   users,
		limiter: limiter,
		filter:  filter,
		now:     time.Now,
		logger:  logger.With("component", "social"),
	}
}

// SendRequest asks the owner of toUsername to become from's friend and
// returns the recipient id. Admission is checked before anything else, so a
// rejected request still spends budget.
func (g *Graph) SendRequest(ctx context.Context, from, toUsername string) (string, error) {
	if err := ratelimit.Admit(ctx, g.limiter, from); err != nil {
		return "", err
	}
	if err := moderation.ValidateUsername(g.filter, toUsername); err != nil {
		return "", err
	}
	to, err := g.users.Lookup(ctx, toUsername)
	if err != nil {
		return "", err
	}
	if to == from {
		return "", ErrSelfRequest
	}

	checks := []struct {
		path string
		err  error
	}{
		{FriendPath(from, to), ErrAlreadyFriends},
		{RequestPath(to, from), ErrRequestPending},
		{RequestPath(from, to), ErrRequestPending},
		{BlockPath(to, from), ErrBlocked},
	}
	for _, c := range checks {
		exists, err := g.exists(ctx, c.path)
		if err != nil {
			return "", err
		}
		if exists {
			return "", c.err
		}
	}

	sender, err := g.users.Username(ctx, from)
	if err != nil {
		return "", err
	}
	now := g.now().UnixMilli()

	updates := map[string]any{
		RequestPath(to, from): Request{Username: sender, SentAt: now},
	}
	notify.Stage(g.store, updates, to, notify.Notification{
		Type:         notify.TypeFriendRequest,
		From:         from,
		FromUsername: sender,
		Timestamp:    now,
	})
	if err := g.store.Merge(ctx, updates); err != nil {
		return "", fmt.Errorf("failed to send friend request: %w", err)
	}

	g.logger.Info("friend request sent", "from", from, "to", to)
	return to, nil
}

// AcceptRequest turns requester's pending request into a friendship. The
// request is verified by a read, then both edges, the removal of requests in
// both directions and the notification commit in one merge. A request
// withdrawn between the read and the merge still yields the friendship.
func (g *Graph) AcceptRequest(ctx context.Context, accepter, requester string) error {
	exists, err := g.exists(ctx, RequestPath(accepter, requester))
	if err != nil {
		return err
	}
	if !exists {
		return ErrRequestNotFound
	}

	them, err := g.users.Get(ctx, requester)
	if err != nil {
		return err
	}
	me, err := g.users.Get(ctx, accepter)
	if err != nil {
		return err
	}
	now := g.now().UnixMilli()

	updates := map[string]any{
		FriendPath(accepter, requester):  Edge{Username: them.Username, AddedAt: now, Status: statusOf(them)},
		FriendPath(requester, accepter):  Edge{Username: me.Username, AddedAt: now, Status: statusOf(me)},
		RequestPath(accepter, requester): nil,
		RequestPath(requester, accepter): nil,
	}
	notify.Stage(g.store, updates, requester, notify.Notification{
		Type:         notify.TypeFriendAccepted,
		From:         accepter,
		FromUsername: me.Username,
		Timestamp:    now,
	})
	if err := g.store.Merge(ctx, updates); err != nil {
		return fmt.Errorf("failed to accept friend request: %w", err)
	}

	g.logger.Info("friend request accepted", "requester", requester, "accepter", accepter)
	return nil
}

func (g *Graph) RejectRequest(ctx context.Context, recipient, requester string) error {
	if err := g.store.Write(ctx, RequestPath(recipient, requester), nil); err != nil {
		return fmt.Errorf("failed to reject friend request: %w", err)
	}
	return nil
}

func (g *Graph) RemoveFriend(ctx context.Context, uid, friend string) error {
	if err := g.store.Merge(ctx, map[string]any{
		FriendPath(uid, friend): nil,
		FriendPath(friend, uid): nil,
	}); err != nil {
		return fmt.Errorf("failed to remove friend: %w", err)
	}
	g.logger.Info("friend removed", "user", uid, "friend", friend)
	return nil
}

// Block removes any friendship and pending request between owner and target
// and records the block, all in one merge.
func (g *Graph) Block(ctx context.Context, owner, target string) error {
	if owner == target {
		return ErrSelfRequest
	}
	if err := g.store.Merge(ctx, map[string]any{
		FriendPath(owner, target):  nil,
		FriendPath(target, owner):  nil,
		RequestPath(owner, target): nil,
		RequestPath(target, owner): nil,
		BlockPath(owner, target):   Block{BlockedAt: g.now().UnixMilli()},
	}); err != nil {
		return fmt.Errorf("failed to block user: %w", err)
	}
	g.logger.Info("user blocked", "owner", owner, "target", target)
	return nil
}

func (g *Graph) Unblock(ctx context.Context, owner, target string) error {
	if err := g.store.Write(ctx, BlockPath(owner, target), nil); err != nil {
		return fmt.Errorf("failed to unblock user: %w", err)
	}
	return nil
}

// IsBlocked reports whether owner has blocked target.
func (g *Graph) IsBlocked(ctx context.Context, owner, target string) (bool, error) {
	return g.exists(ctx, BlockPath(owner, target))
}

func (g *Graph) Friends(ctx context.Context, uid string) ([]Edge, error) {
	snap, err := g.store.Read(ctx, FriendPath(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to read friends: %w", err)
	}
	return DecodeFriends(snap, g.logger), nil
}

// DecodeFriends converts a friends/{uid} snapshot, skipping malformed edges.
func DecodeFriends(snap store.Snapshot, logger *slog.Logger) []Edge {
	edges := make([]Edge, 0, snap.NumChildren())
	for _, child := range snap.Children() {
		var e Edge
		if err := child.Decode(&e); err != nil {
			if logger != nil {
				logger.Warn("skipping malformed friend edge", "path", child.Path, "error", err)
			}
			continue
		}
		e.ID = child.Key
		if e.Status == "" {
			e.Status = profile.StatusOffline
		}
		edges = append(edges, e)
	}
	return edges
}

func (g *Graph) Requests(ctx context.Context, uid string) ([]Request, error) {
	snap, err := g.store.Read(ctx, RequestPath(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to read friend requests: %w", err)
	}
	requests := make([]Request, 0, snap.NumChildren())
	for _, child := range snap.Children() {
		var r Request
		if err := child.Decode(&r); err != nil {
			g.logger.Warn("skipping malformed friend request", "path", child.Path, "error", err)
			continue
		}
		r.ID = child.Key
		requests = append(requests, r)
	}
	return requests, nil
}

func (g *Graph) Blocked(ctx context.Context, uid string) ([]string, error) {
	snap, err := g.store.Read(ctx, BlockPath(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to read blocked users: %w", err)
	}
	ids := make([]string, 0, snap.NumChildren())
	for _, child := range snap.Children() {
		ids = append(ids, child.Key)
	}
	return ids, nil
}

// SearchUsers finds users by username prefix, never returning uid itself.
func (g *Graph) SearchUsers(ctx context.Context, uid, query string) ([]profile.Profile, error) {
	return g.users.Search(ctx, query, uid, searchLimit)
}

// SetStatus publishes uid's presence on the profile, then on every friend's
// mirror edge. The profile goes first so an edge created concurrently copies
// the new status. Each mirror is patched in a transaction that skips edges
// removed since the friend list was read. Going online also registers the
// offline fallback applied when the connection drops.
func (g *Graph) SetStatus(ctx context.Context, uid, status string) error {
	if status != profile.StatusOnline && status != profile.StatusOffline {
		return ErrInvalidStatus
	}

	if err := g.store.Write(ctx, profile.UserPath(uid, "status"), status); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	friends, err := g.Friends(ctx, uid)
	if err != nil {
		return err
	}
	mirrored := 0
	for _, f := range friends {
		res, err := g.store.Transact(ctx, FriendPath(f.ID, uid), func(cur store.Snapshot) (any, bool) {
			edge, ok := cur.Value.(map[string]any)
			if !ok {
				return nil, false
			}
			next := maps.Clone(edge)
			next["status"] = status
			return next, true
		})
		if err != nil {
			return fmt.Errorf("failed to update status: %w", err)
		}
		if res.Committed {
			mirrored++
		}
	}

	if status == profile.StatusOnline {
		if err := g.store.OnDisconnect(ctx, uid, profile.UserPath(uid, "status"), profile.StatusOffline); err != nil {
			return fmt.Errorf("failed to register disconnect hook: %w", err)
		}
	}
	g.logger.Debug("status updated", "user", uid, "status", status, "friends", mirrored)
	return nil
}

// WatchFriends streams friends/{uid} after every change.
func (g *Graph) WatchFriends(ctx context.Context, uid string) (*store.Subscription, error) {
	return g.store.Subscribe(ctx, FriendPath(uid), store.ValueChanged)
}

// WatchRequests streams friendRequests/{uid} after every change.
func (g *Graph) WatchRequests(ctx context.Context, uid string) (*store.Subscription, error) {
	return g.store.Subscribe(ctx, RequestPath(uid), store.ValueChanged)
}

func (g *Graph) exists(ctx context.Context, path string) (bool, error) {
	snap, err := g.store.Read(ctx, path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return snap.Exists(), nil
}

func statusOf(p *profile.Profile) string {
	if p.Status == profile.StatusOnline {
		return p.Status
	}
	return profile.StatusOffline
}
