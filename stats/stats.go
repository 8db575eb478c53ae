// Package stats accumulates per-user statistics and serves leaderboards.
//
// users/{uid}/stats is only ever changed through a transaction, so
// concurrent submissions from several tabs of one user all count. Each
// submission carries an event id recorded inside the same node, which makes
// a retried submission a no-op.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"arcade/apperr"
	"arcade/profile"
	"arcade/store"
)

// appliedLimit bounds the idempotency ledger kept inside the stats node.
const appliedLimit = 64

var (
	ErrInvalidScore = apperr.New(apperr.ErrValidation, "score must be a non-negative integer")
	ErrUnknownGame  = apperr.New(apperr.ErrValidation, "unknown game")
	ErrMalformed    = apperr.New(apperr.ErrValidation, "stats node is malformed")
)

// Games lists the game ids scores can be submitted for.
var Games = []string{"guess", "memory", "tictactoe"}

type GameStats struct {
	Played    int `json:"played"`
	BestScore int `json:"bestScore"`
}

type Stats struct {
	GamesPlayed int                  `json:"gamesPlayed"`
	TotalScore  int                  `json:"totalScore"`
	Games       map[string]GameStats `json:"games,omitempty"`
	Applied     map[string]int64     `json:"applied,omitempty"`
}

func (s *Stats) Validate() error {
	if s.GamesPlayed < 0 || s.TotalScore < 0 {
		return errors.New("negative totals")
	}
	for id, g := range s.Games {
		if g.Played < 0 || g.BestScore < 0 {
			return fmt.Errorf("negative totals for %s", id)
		}
	}
	return nil
}

// apply folds one submission into s. It reports false when eventID was
// already applied.
func (s Stats) apply(gameID string, score int, eventID string, now int64) (Stats, bool) {
	if _, seen := s.Applied[eventID]; eventID != "" && seen {
		return s, false
	}

	games := make(map[string]GameStats, len(s.Games)+1)
	for k, v := range s.Games {
		games[k] = v
	}
	g := games[gameID]
	g.Played++
	if score > g.BestScore {
		g.BestScore = score
	}
	games[gameID] = g

	next := Stats{
		GamesPlayed: s.GamesPlayed + 1,
		TotalScore:  s.TotalScore + score,
		Games:       games,
		Applied:     trimApplied(s.Applied, eventID, now),
	}
	return next, true
}

func trimApplied(applied map[string]int64, eventID string, now int64) map[string]int64 {
	if eventID == "" {
		return applied
	}
	out := make(map[string]int64, len(applied)+1)
	for k, v := range applied {
		out[k] = v
	}
	out[eventID] = now

	if len(out) > appliedLimit {
		ids := make([]string, 0, len(out))
		for k := range out {
			ids = append(ids, k)
		}
		sort.Slice(ids, func(i, j int) bool {
			if out[ids[i]] != out[ids[j]] {
				return out[ids[i]] < out[ids[j]]
			}
			return ids[i] < ids[j]
		})
		for _, k := range ids[:len(out)-appliedLimit] {
			delete(out, k)
		}
	}
	return out
}

func isKnownGame(gameID string) bool {
	for _, g := range Games {
		if g == gameID {
			return true
		}
	}
	return false
}

func statsPath(uid string) string {
	return profile.UserPath(uid, "stats")
}

type Aggregator struct {
	store  store.Store
	users  *profile.Directory
	now    func() time.Time
	logger *slog.Logger
}

func NewAggregator(st store.Store, users *profile.Directory, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  st,
		users:  users,
		now:    time.Now,
		logger: logger.With("component", "stats"),
	}
}

// Get returns the stats of uid, zero valued when none were recorded yet.
func (a *Aggregator) Get(ctx context.Context, uid string) (Stats, error) {
	snap, err := a.store.Read(ctx, statsPath(uid))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read stats: %w", err)
	}
	var s Stats
	if !snap.Exists() {
		return s, nil
	}
	if err := snap.Decode(&s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// Record adds one played game worth score to uid's stats. Submitting the
// same eventID twice counts once.
func (a *Aggregator) Record(ctx context.Context, uid, gameID string, score int, eventID string) (Stats, error) {
	if score < 0 {
		return Stats{}, ErrInvalidScore
	}
	if !isKnownGame(gameID) {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}
	now := a.now().UnixMilli()

	res, err := a.store.Transact(ctx, statsPath(uid), func(cur store.Snapshot) (any, bool) {
		var s Stats
		if cur.Exists() {
			if err := cur.Decode(&s); err != nil {
				return nil, false
			}
		}
		return s.apply(gameID, score, eventID, now)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to update stats: %w", err)
	}

	var s Stats
	if res.Snapshot.Exists() {
		if err := res.Snapshot.Decode(&s); err != nil {
			return Stats{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	if !res.Committed {
		a.logger.Debug("submission already applied", "user", uid, "event", eventID)
	}
	return s, nil
}

// SubmitScore publishes a leaderboard entry for uid and folds it into the
// user's stats. The entry key doubles as the idempotency key.
func (a *Aggregator) SubmitScore(ctx context.Context, uid, gameID string, score int) (string, error) {
	if score < 0 {
		return "", ErrInvalidScore
	}
	if !isKnownGame(gameID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownGame, gameID)
	}

	name, err := a.users.Username(ctx, uid)
	if errors.Is(err, profile.ErrUserNotFound) {
		name = "Player"
	} else if err != nil {
		return "", err
	}

	now := a.now().UnixMilli()
	entryID := a.store.PushKey()
	entry := Entry{Score: score, Name: name, UserID: uid, TS: now}
	if err := a.store.Write(ctx, store.Join("leaderboards", gameID, entryID), entry); err != nil {
		return "", fmt.Errorf("failed to write leaderboard entry: %w", err)
	}

	if _, err := a.Record(ctx, uid, gameID, score, entryID); err != nil {
		return entryID, err
	}

	if err := a.store.Write(ctx, profile.UserPath(uid, "lastPlayed"), map[string]any{
		"game":      gameID,
		"timestamp": now,
	}); err != nil {
		return entryID, fmt.Errorf("failed to write last played: %w", err)
	}

	a.logger.Info("score submitted", "user", uid, "game", gameID, "score", score)
	return entryID, nil
}
