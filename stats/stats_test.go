package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"arcade/apperr"
	"arcade/profile"
	"arcade/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupAggregator(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	return NewAggregator(st, profile.NewDirectory(st), nil), st
}

func addUser(t *testing.T, st store.Store, uid, name string) {
	t.Helper()
	require.NoError(t, st.Write(context.Background(), profile.UserPath(uid), profile.Profile{Username: name}))
}

func TestConcurrentSubmissionsAllCount(t *testing.T) {
	a, st := setupAggregator(t)
	addUser(t, st, "u1", "alice")
	ctx := context.Background()

	scores := []int{10, 250, 3, 0, 99, 1500, 42, 7, 64, 500, 1, 2, 3, 4, 5, 6}
	want := 0
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range scores {
		want += s
		g.Go(func() error {
			_, err := a.SubmitScore(gctx, "u1", "memory", s)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := a.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, len(scores), got.GamesPlayed)
	assert.Equal(t, want, got.TotalScore)
	assert.Equal(t, len(scores), got.Games["memory"].Played)
	assert.Equal(t, 1500, got.Games["memory"].BestScore)

	board, err := st.Read(ctx, "leaderboards/memory")
	require.NoError(t, err)
	assert.Equal(t, len(scores), board.NumChildren())

	last, err := st.Read(ctx, profile.UserPath("u1", "lastPlayed", "game"))
	require.NoError(t, err)
	assert.Equal(t, "memory", last.Value)
}

func TestRecordIsIdempotentPerEvent(t *testing.T) {
	a, _ := setupAggregator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s, err := a.Record(ctx, "u1", "tictactoe", 1500, "room-1:u1")
		require.NoError(t, err)
		assert.Equal(t, 1, s.GamesPlayed)
		assert.Equal(t, 1500, s.TotalScore)
	}

	s, err := a.Record(ctx, "u1", "tictactoe", 0, "room-2:u1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.GamesPlayed)
	assert.Equal(t, 1500, s.Games["tictactoe"].BestScore, "best score never decreases")
}

func TestAppliedLedgerIsBounded(t *testing.T) {
	a, _ := setupAggregator(t)
	ctx := context.Background()

	var s Stats
	var err error
	for i := 0; i < appliedLimit+10; i++ {
		s, err = a.Record(ctx, "u1", "guess", 1, fmt.Sprintf("ev-%03d", i))
		require.NoError(t, err)
	}
	assert.Len(t, s.Applied, appliedLimit)
	assert.Equal(t, appliedLimit+10, s.GamesPlayed)
}

func TestRecordRejectsBadInput(t *testing.T) {
	a, _ := setupAggregator(t)
	ctx := context.Background()

	_, err := a.Record(ctx, "u1", "guess", -5, "")
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = a.Record(ctx, "u1", "chess", 5, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestRecordRejectsMalformedNode(t *testing.T) {
	a, st := setupAggregator(t)
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, "users/u1/stats", map[string]any{"gamesPlayed": -3}))
	_, err := a.Record(ctx, "u1", "guess", 5, "")
	assert.ErrorIs(t, err, ErrMalformed)

	raw, _ := st.Read(ctx, "users/u1/stats/gamesPlayed")
	assert.Equal(t, float64(-3), raw.Value, "malformed node must not be overwritten")
}

func TestLeaderboard(t *testing.T) {
	a, st := setupAggregator(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	a.now = func() time.Time { return now }

	write := func(uid, name string, score int, age time.Duration) {
		require.NoError(t, st.Write(ctx, "leaderboards/guess/"+st.PushKey(), Entry{
			Score: score, Name: name, UserID: uid, TS: now.Add(-age).UnixMilli(),
		}))
	}
	write("u1", "alice", 100, time.Hour)
	write("u1", "alice", 300, 40*24*time.Hour)
	write("u2", "bob", 200, time.Minute)
	write("u3", "carol", 50, 2*time.Hour)
	require.NoError(t, st.Write(ctx, "friends/u1/u3", map[string]any{"username": "carol"}))

	rows, err := a.Leaderboard(ctx, Query{Game: "guess", Viewer: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "u1", rows[0].Entry.UserID)
	assert.Equal(t, 300, rows[0].Entry.Score)
	assert.True(t, rows[0].IsViewer)
	assert.Equal(t, "300", rows[0].ScoreText)

	rows, err = a.Leaderboard(ctx, Query{Game: "guess", Period: PeriodMonthly})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "u2", rows[0].Entry.UserID)
	assert.Equal(t, 100, rows[1].Entry.Score)

	rows, err = a.Leaderboard(ctx, Query{Game: "guess", Scope: ScopeFriends, Viewer: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"u1", "u3"}, []string{rows[0].Entry.UserID, rows[1].Entry.UserID})

	rows, err = a.Leaderboard(ctx, Query{Game: "guess", Search: "BO"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", rows[0].Entry.Name)

	_, err = a.Leaderboard(ctx, Query{Game: "guess", Period: "hourly"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	rank, err := a.UserRank(ctx, "guess", "u3", PeriodAll)
	require.NoError(t, err)
	require.NotNil(t, rank)
	assert.Equal(t, Rank{Rank: 3, Total: 3, Score: 50, Percentile: 33}, *rank)

	rank, err = a.UserRank(ctx, "guess", "nobody", PeriodAll)
	require.NoError(t, err)
	assert.Nil(t, rank)
}

func TestGlobalStats(t *testing.T) {
	a, st := setupAggregator(t)
	ctx := context.Background()
	addUser(t, st, "u1", "alice")
	addUser(t, st, "u2", "bob")

	_, err := a.SubmitScore(ctx, "u1", "guess", 100)
	require.NoError(t, err)
	_, err = a.SubmitScore(ctx, "u2", "memory", 80)
	require.NoError(t, err)
	_, err = a.SubmitScore(ctx, "u2", "memory", 70)
	require.NoError(t, err)

	g, err := a.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, g.TotalPlayers)
	assert.Equal(t, 3, g.TotalGames)
	assert.Equal(t, "memory", g.MostPlayedGame)
	require.NotNil(t, g.TopPlayer)
	assert.Equal(t, "bob", g.TopPlayer.Username)
	assert.Equal(t, 150, g.TopPlayer.TotalScore)
}
