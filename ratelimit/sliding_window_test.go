package ratelimit

import (
	"context"
	"testing"
	"time"

	"arcade/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) at(ms int) {
	c.t = time.UnixMilli(0).Add(time.Duration(ms) * time.Millisecond)
}

func TestSlidingWindowBoundary(t *testing.T) {
	clock := &fakeClock{}
	l := NewSlidingWindow(Config{Limit: 3, Window: time.Second}).WithClock(clock.now)
	ctx := context.Background()

	steps := []struct {
		ms      int
		allowed bool
	}{
		{0, true},
		{100, true},
		{200, true},
		{300, false},
		{1100, true},
	}

	for _, step := range steps {
		clock.at(step.ms)
		res, err := l.Allow(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, step.allowed, res.Allowed, "t=%dms", step.ms)
	}
}

func TestSlidingWindowDenialDoesNotRecord(t *testing.T) {
	clock := &fakeClock{}
	l := NewSlidingWindow(Config{Limit: 1, Window: time.Second}).WithClock(clock.now)
	ctx := context.Background()

	clock.at(0)
	res, _ := l.Allow(ctx, "u1")
	require.True(t, res.Allowed)

	for ms := 100; ms < 1000; ms += 100 {
		clock.at(ms)
		res, _ = l.Allow(ctx, "u1")
		require.False(t, res.Allowed)
	}

	// Only the first action counts, so the window has slid at t=1000.
	clock.at(1000)
	res, _ = l.Allow(ctx, "u1")
	assert.True(t, res.Allowed)
}

func TestSlidingWindowKeysAreIndependent(t *testing.T) {
	l := NewSlidingWindow(Config{Limit: 1, Window: time.Minute})
	ctx := context.Background()

	a, _ := l.Allow(ctx, "a")
	b, _ := l.Allow(ctx, "b")
	again, _ := l.Allow(ctx, "a")

	assert.True(t, a.Allowed)
	assert.True(t, b.Allowed)
	assert.False(t, again.Allowed)
	assert.Greater(t, again.RetryAfter, time.Duration(0))
}

func TestSlidingWindowRemainingAndReset(t *testing.T) {
	l := NewSlidingWindow(Messages)
	ctx := context.Background()

	for i := 0; i < Messages.Limit; i++ {
		res, err := l.Allow(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, Messages.Limit-i-1, res.Remaining)
	}
	err := Admit(ctx, l, "u1")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	l.Reset("u1")
	assert.NoError(t, Admit(ctx, l, "u1"))
}

func TestSlidingWindowPrune(t *testing.T) {
	clock := &fakeClock{}
	l := NewSlidingWindow(Config{Limit: 5, Window: time.Second}).WithClock(clock.now)
	ctx := context.Background()

	clock.at(0)
	l.Allow(ctx, "old")
	clock.at(900)
	l.Allow(ctx, "fresh")

	clock.at(1500)
	assert.Equal(t, 1, l.Prune())
}

func TestPresetConfigs(t *testing.T) {
	for _, c := range []Config{Messages, FriendRequests, GameStarts} {
		assert.NoError(t, c.Validate())
	}
	assert.Error(t, Config{Limit: 0, Window: time.Second}.Validate())
	assert.Error(t, Config{Limit: 1}.Validate())
}
