package chat

import (
	"context"
	"fmt"
	"sync"

	"arcade/store"
)

// UnreadWatcher keeps a user's unread badge count. The count is not stored:
// it is recomputed in full from the chats subtree on every change.
type UnreadWatcher struct {
	sub    *store.Subscription
	uid    string
	counts chan int
	done   chan struct{}

	mu   sync.Mutex
	last int
}

func (s *Service) WatchUnread(ctx context.Context, uid string) (*UnreadWatcher, error) {
	sub, err := s.store.Subscribe(ctx, "chats", store.ValueChanged)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to chats: %w", err)
	}
	w := &UnreadWatcher{
		sub:    sub,
		uid:    uid,
		counts: make(chan int, 1),
		done:   make(chan struct{}),
		last:   -1,
	}
	go w.run()
	return w, nil
}

// Counts yields the latest count whenever it changes. A slow reader only
// sees the most recent value. The channel closes with the watcher.
func (w *UnreadWatcher) Counts() <-chan int {
	return w.counts
}

// Last returns the most recently computed count, or -1 before the first.
func (w *UnreadWatcher) Last() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *UnreadWatcher) Close() {
	w.sub.Close()
	<-w.done
}

func (w *UnreadWatcher) run() {
	defer close(w.done)
	defer close(w.counts)

	for ev := range w.sub.All() {
		n := UnreadCount(ev.Snapshot, w.uid)

		w.mu.Lock()
		changed := n != w.last
		w.last = n
		w.mu.Unlock()
		if !changed {
			continue
		}

		select {
		case <-w.counts:
		default:
		}
		w.counts <- n
	}
}
