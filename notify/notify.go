// Package notify stores append-only notifications under notifications/{uid}.
// Entries are staged into the caller's merge so they commit together with
// the event that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"

	"arcade/apperr"
	"arcade/store"
)

const (
	TypeFriendRequest  = "friend_request"
	TypeFriendAccepted = "friend_accepted"
	TypeNewMessage     = "new_message"
	TypeGroupMessage   = "group_message"
	TypeGameInvite     = "game_invite"
)

// previewLength caps the message excerpt carried by a notification.
const previewLength = 50

var ErrNotificationNotFound = apperr.New(apperr.ErrNotFound, "notification not found")

type Notification struct {
	ID           string `json:"-"`
	Type         string `json:"type"`
	From         string `json:"from"`
	FromUsername string `json:"fromUsername"`
	ChatID       string `json:"chatId,omitempty"`
	GroupID      string `json:"groupId,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	GameType     string `json:"gameType,omitempty"`
	Message      string `json:"message,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Read         bool   `json:"read"`
}

func (n *Notification) Validate() error {
	if n.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

func Path(recipient string, id ...string) string {
	return store.Join(append([]string{"notifications", recipient}, id...)...)
}

// Preview truncates text to the excerpt length kept in notifications.
func Preview(text string) string {
	r := []rune(text)
	if len(r) > previewLength {
		return string(r[:previewLength])
	}
	return text
}

// Stage adds n for recipient to updates under a fresh push key.
func Stage(st store.Store, updates map[string]any, recipient string, n Notification) string {
	id := st.PushKey()
	n.Read = false
	updates[Path(recipient, id)] = n
	return id
}

type Service struct {
	store store.Store
}

func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// List returns the notifications of uid, oldest first. Malformed entries are
// skipped.
func (s *Service) List(ctx context.Context, uid string) ([]Notification, error) {
	snap, err := s.store.Read(ctx, Path(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to read notifications: %w", err)
	}

	var out []Notification
	for _, child := range snap.Children() {
		var n Notification
		if err := child.Decode(&n); err != nil {
			continue
		}
		n.ID = child.Key
		out = append(out, n)
	}
	return out, nil
}

func (s *Service) UnreadCount(ctx context.Context, uid string) (int, error) {
	list, err := s.List(ctx, uid)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, n := range list {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

// MarkRead flips the read flag, the only mutation a notification allows.
func (s *Service) MarkRead(ctx context.Context, uid, id string) error {
	snap, err := s.store.Read(ctx, Path(uid, id))
	if err != nil {
		return fmt.Errorf("failed to read notification: %w", err)
	}
	if !snap.Exists() {
		return ErrNotificationNotFound
	}
	return s.store.Write(ctx, Path(uid, id, "read"), true)
}

func (s *Service) MarkAllRead(ctx context.Context, uid string) error {
	list, err := s.List(ctx, uid)
	if err != nil {
		return err
	}
	updates := make(map[string]any)
	for _, n := range list {
		if !n.Read {
			updates[Path(uid, n.ID, "read")] = true
		}
	}
	return s.store.Merge(ctx, updates)
}

// Watch streams every notification of uid, existing ones first.
func (s *Service) Watch(ctx context.Context, uid string) (*store.Subscription, error) {
	return s.store.Subscribe(ctx, Path(uid), store.ChildAdded)
}
