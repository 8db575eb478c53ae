package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow keeps the timestamps of allowed actions per key in process
// memory. Two sessions of one user get independent windows.
type SlidingWindow struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	windows map[string][]time.Time
}

func NewSlidingWindow(config Config) *SlidingWindow {
	return &SlidingWindow{
		config:  config,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source, for tests.
func (l *SlidingWindow) WithClock(now func() time.Time) *SlidingWindow {
	l.now = now
	return l
}

func (l *SlidingWindow) Allow(_ context.Context, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := l.recent(key, now)

	if len(recent) >= l.config.Limit {
		return Result{
			Allowed:    false,
			RetryAfter: recent[0].Add(l.config.Window).Sub(now),
		}, nil
	}

	l.windows[key] = append(recent, now)
	return Result{Allowed: true, Remaining: l.config.Limit - len(recent) - 1}, nil
}

// Reset forgets every recorded action of key.
func (l *SlidingWindow) Reset(key string) {
	l.mu.Lock()
	delete(l.windows, key)
	l.mu.Unlock()
}

// Prune drops keys whose whole window has expired.
func (l *SlidingWindow) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	dropped := 0
	for key := range l.windows {
		if len(l.recent(key, now)) == 0 {
			delete(l.windows, key)
			dropped++
		}
	}
	return dropped
}

// Run prunes periodically until ctx is done.
func (l *SlidingWindow) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// recent returns the entries of key younger than the window, as a fresh
// slice so a denial never mutates the stored one.
func (l *SlidingWindow) recent(key string, now time.Time) []time.Time {
	entries := l.windows[key]
	out := make([]time.Time, 0, len(entries)+1)
	for _, ts := range entries {
		if now.Sub(ts) < l.config.Window {
			out = append(out, ts)
		}
	}
	return out
}
