package chat

import (
	"context"
	"errors"
	"fmt"

	"arcade/apperr"
	"arcade/moderation"
	"arcade/notify"
	"arcade/ratelimit"
	"arcade/store"
)

var (
	ErrGroupNotFound = apperr.New(apperr.ErrNotFound, "group not found")
	ErrNotMember     = apperr.New(apperr.ErrPermission, "not a member of this group")
	ErrGroupName     = apperr.New(apperr.ErrValidation, "group name is required")
)

// Group is stored at groups/{id}.
type Group struct {
	ID          string                 `json:"-"`
	Name        string                 `json:"name"`
	CreatedBy   string                 `json:"createdBy"`
	CreatedAt   int64                  `json:"createdAt"`
	Members     map[string]Participant `json:"members"`
	LastMessage *Summary               `json:"lastMessage,omitempty"`
}

func (g *Group) Validate() error {
	if len(g.Members) == 0 {
		return errors.New("group has no members")
	}
	return nil
}

func GroupPath(groupID string, rest ...string) string {
	return store.Join(append([]string{"groups", groupID}, rest...)...)
}

// CreateGroup creates a group owned by owner with the given members and
// returns its id.
func (s *Service) CreateGroup(ctx context.Context, owner, name string, members []string) (string, error) {
	name = moderation.Sanitize(name)
	if name == "" {
		return "", ErrGroupName
	}
	if s.filter.Classify(name) == moderation.Banned {
		return "", ErrBannedContent
	}

	now := s.now().UnixMilli()
	group := Group{
		Name:      name,
		CreatedBy: owner,
		CreatedAt: now,
		Members:   make(map[string]Participant),
	}
	for _, uid := range append([]string{owner}, members...) {
		if _, ok := group.Members[uid]; ok {
			continue
		}
		username, err := s.users.Username(ctx, uid)
		if err != nil {
			return "", err
		}
		group.Members[uid] = Participant{Username: username, JoinedAt: now}
	}

	groupID := s.store.PushKey()
	if err := s.store.Write(ctx, GroupPath(groupID), group); err != nil {
		return "", fmt.Errorf("failed to create group: %w", err)
	}

	s.logger.Info("group created", "group", groupID, "owner", owner, "members", len(group.Members))
	return groupID, nil
}

func (s *Service) Group(ctx context.Context, groupID string) (*Group, error) {
	snap, err := s.store.Read(ctx, GroupPath(groupID))
	if err != nil {
		return nil, fmt.Errorf("failed to read group: %w", err)
	}
	if !snap.Exists() {
		return nil, ErrGroupNotFound
	}
	g := &Group{}
	if err := snap.Decode(g); err != nil {
		return nil, err
	}
	g.ID = groupID
	return g, nil
}

// SendGroup posts text to a group the sender belongs to. The message, the
// group summary and one notification per other member commit together.
func (s *Service) SendGroup(ctx context.Context, sender, groupID, text string) (string, error) {
	if err := ratelimit.Admit(ctx, s.limiter, sender); err != nil {
		return "", err
	}
	clean, err := s.prepare(text)
	if err != nil {
		return "", err
	}

	group, err := s.Group(ctx, groupID)
	if err != nil {
		return "", err
	}
	me, ok := group.Members[sender]
	if !ok {
		return "", ErrNotMember
	}

	now := s.now().UnixMilli()
	msgID := s.store.PushKey()
	updates := map[string]any{
		GroupPath(groupID, "messages", msgID): Message{
			SenderID:   sender,
			SenderName: me.Username,
			Text:       clean,
			Timestamp:  now,
		},
		GroupPath(groupID, "lastMessage"): Summary{Text: clean, SenderID: sender, SenderName: me.Username, Timestamp: now},
	}
	for uid := range group.Members {
		if uid == sender {
			continue
		}
		notify.Stage(s.store, updates, uid, notify.Notification{
			Type:         notify.TypeGroupMessage,
			From:         sender,
			FromUsername: me.Username,
			GroupID:      groupID,
			MessageID:    msgID,
			Message:      notify.Preview(clean),
			Timestamp:    now,
		})
	}

	if err := s.store.Merge(ctx, updates); err != nil {
		return "", fmt.Errorf("failed to send group message: %w", err)
	}

	s.logger.Debug("group message sent", "group", groupID, "message", msgID, "sender", sender)
	return msgID, nil
}

// GroupMessages returns the last limit messages of a group.
func (s *Service) GroupMessages(ctx context.Context, groupID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	snap, err := s.store.Read(ctx, GroupPath(groupID, "messages"))
	if err != nil {
		return nil, fmt.Errorf("failed to read group messages: %w", err)
	}
	msgs := decodeMessages(snap, s.logger)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}
