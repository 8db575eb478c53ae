// Package ratelimit provides sliding-window admission control for actions
// that amplify writes: messages, friend requests and game starts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"arcade/apperr"
)

// Config caps an actor at Limit allowed actions within any trailing Window.
type Config struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

var (
	Messages       = Config{Limit: 10, Window: time.Minute}
	FriendRequests = Config{Limit: 5, Window: 5 * time.Minute}
	GameStarts     = Config{Limit: 20, Window: time.Minute}
)

func (c Config) Validate() error {
	if c.Limit < 1 {
		return fmt.Errorf("rate limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate window must be positive, got %s", c.Window)
	}
	return nil
}

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether key may act now. An allowed call is recorded; a
// denied call leaves the window untouched.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Error is returned by Admit when an action is denied.
type Error struct {
	Key        string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("too many actions for %s, retry in %s", e.Key, e.RetryAfter.Round(time.Second))
}

func (e *Error) Is(target error) bool {
	return target == apperr.ErrRateLimited
}

// Admit runs the check and converts a denial into *Error. A nil limiter
// admits everything.
func Admit(ctx context.Context, l Limiter, key string) error {
	if l == nil {
		return nil
	}
	res, err := l.Allow(ctx, key)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !res.Allowed {
		return &Error{Key: key, RetryAfter: res.RetryAfter}
	}
	return nil
}
