package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"arcade/store"
)

// clearTimeout bounds the best-effort typing clear run after the view's
// own context may be gone.
const clearTimeout = 5 * time.Second

// View is one user's open private chat. It owns the chat's subscriptions
// and the typing timer, all released by Close.
type View struct {
	svc    *Service
	chatID string
	uid    string
	peer   string

	messages *store.Subscription
	typing   *store.Subscription

	mu     sync.Mutex
	timer  *time.Timer
	gen    int
	active bool
	closed bool
	logger *slog.Logger
}

// Open subscribes uid to the private chat with peer. Messages arrive as
// ChildAdded events, typing markers as ValueChanged events of the typing
// node.
func (s *Service) Open(ctx context.Context, uid, peer string) (*View, error) {
	if uid == peer {
		return nil, ErrSelfMessage
	}
	chatID := ID(uid, peer)

	messages, err := s.store.Subscribe(ctx, Path(chatID, "messages"), store.ChildAdded)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to messages: %w", err)
	}
	typing, err := s.store.Subscribe(ctx, Path(chatID, "typing"), store.ValueChanged)
	if err != nil {
		messages.Close()
		return nil, fmt.Errorf("failed to subscribe to typing: %w", err)
	}
	if err := s.store.OnDisconnect(ctx, uid, Path(chatID, "typing", uid), nil); err != nil {
		messages.Close()
		typing.Close()
		return nil, fmt.Errorf("failed to register disconnect hook: %w", err)
	}

	return &View{
		svc:      s,
		chatID:   chatID,
		uid:      uid,
		peer:     peer,
		messages: messages,
		typing:   typing,
		logger:   s.logger.With("chat", chatID, "user", uid),
	}, nil
}

func (v *View) ChatID() string { return v.chatID }

func (v *View) Messages() <-chan store.Event { return v.messages.Events() }

func (v *View) Typing() <-chan store.Event { return v.typing.Events() }

// Keystroke marks the user as typing. Rapid keystrokes share one marker
// write and one pending clear, pushed back by each call.
func (v *View) Keystroke(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return store.ErrClosed
	}
	if !v.active {
		if err := v.svc.store.Write(ctx, Path(v.chatID, "typing", v.uid), true); err != nil {
			return fmt.Errorf("failed to set typing: %w", err)
		}
		v.active = true
	}

	if v.timer != nil {
		v.timer.Stop()
	}
	v.gen++
	gen := v.gen
	v.timer = time.AfterFunc(v.svc.typingQuiet, func() { v.expire(gen) })
	return nil
}

// StopTyping clears the marker now.
func (v *View) StopTyping(ctx context.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clearLocked(ctx)
}

// Send delivers text to the peer. The message merge clears the typing
// marker, so only the timer needs cancelling here.
func (v *View) Send(ctx context.Context, text string) (string, error) {
	_, msgID, err := v.svc.SendPrivate(ctx, v.uid, v.peer, text)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.active = false
	v.mu.Unlock()
	return msgID, nil
}

// MarkRead flags the peer's messages as read.
func (v *View) MarkRead(ctx context.Context) (int, error) {
	return v.svc.MarkRead(ctx, v.chatID, v.uid)
}

// Close stops the timer, clears the marker and cancels both subscriptions.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	v.clearLocked(ctx)
	cancel()
	v.mu.Unlock()

	v.messages.Close()
	v.typing.Close()
}

// expire runs on the timer goroutine. A keystroke after the timer fired
// bumps gen and keeps the marker.
func (v *View) expire(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), clearTimeout)
	defer cancel()

	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return
	}
	v.clearLocked(ctx)
}

// clearLocked removes the marker. Failures are only logged: readers stop
// trusting a marker after the quiet period anyway.
func (v *View) clearLocked(ctx context.Context) {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	if !v.active {
		return
	}
	v.active = false
	if err := v.svc.store.Write(ctx, Path(v.chatID, "typing", v.uid), nil); err != nil {
		v.logger.Warn("failed to clear typing marker", "error", err)
	}
}

// TypingUsers lists who is typing in a typing-node snapshot, excluding
// self.
func TypingUsers(snap store.Snapshot, self string) []string {
	var users []string
	for _, child := range snap.Children() {
		if on, _ := child.Value.(bool); on && child.Key != self {
			users = append(users, child.Key)
		}
	}
	sort.Strings(users)
	return users
}
