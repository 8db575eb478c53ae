package game

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"arcade/apperr"
	"arcade/profile"
	"arcade/ratelimit"
	"arcade/stats"
	"arcade/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupEngine(t *testing.T, limiter ratelimit.Limiter) (*Engine, *stats.Aggregator, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	users := profile.NewDirectory(st)
	agg := stats.NewAggregator(st, users, nil)
	return NewEngine(st, limiter, agg, nil), agg, st
}

func activeRoom(t *testing.T, e *Engine) string {
	t.Helper()
	ctx := context.Background()
	room, err := e.CreateRoom(ctx, "alice")
	require.NoError(t, err)
	_, err = e.Join(ctx, room.ID, "bob")
	require.NoError(t, err)
	return room.ID
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name  string
		board Board
		want  Outcome
	}{
		{"empty", Board{}, Ongoing},
		{"row", Board{X, X, X, None, O, O}, XWins},
		{"column", Board{O, X, None, O, X, None, O}, OWins},
		{"diagonal", Board{X, O, O, None, X, None, None, None, X}, XWins},
		{"draw", Board{X, O, X, X, O, O, O, X, X}, Draw},
		{"ongoing", Board{X, O, X, None, O}, Ongoing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.board))
		})
	}
}

func TestCreateAndJoin(t *testing.T) {
	e, _, _ := setupEngine(t, nil)
	ctx := context.Background()

	room, err := e.CreateRoom(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status)
	assert.Equal(t, X, room.Players["alice"])
	assert.Equal(t, X, room.Turn)

	joined, err := e.Join(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, O, joined.Players["bob"])
	assert.Equal(t, StatusActive, joined.Status)

	again, err := e.Join(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, joined.Players, again.Players)

	_, err = e.Join(ctx, room.ID, "carol")
	assert.ErrorIs(t, err, ErrRoomFull)

	_, err = e.Join(ctx, "missing", "carol")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestFullGameRecordsOutcome(t *testing.T) {
	e, agg, _ := setupEngine(t, nil)
	ctx := context.Background()
	roomID := activeRoom(t, e)

	moves := []struct {
		user string
		cell int
	}{
		{"alice", 0}, {"bob", 4}, {"alice", 1}, {"bob", 5}, {"alice", 2},
	}
	var state *RoomState
	for _, m := range moves {
		var err error
		state, err = e.Move(ctx, roomID, m.user, m.cell)
		require.NoError(t, err)
	}

	assert.Equal(t, Board{X, X, X, None, O, O, None, None, None}, state.Board)
	assert.Equal(t, XWins, state.Outcome)
	assert.Equal(t, StatusFinished, state.Status)

	_, err := e.Move(ctx, roomID, "bob", 3)
	assert.ErrorIs(t, err, ErrGameOver)

	// A second observer reporting the same outcome changes nothing.
	require.NoError(t, e.RecordOutcome(ctx, roomID))

	alice, err := agg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, alice.GamesPlayed)
	assert.Equal(t, WinScore, alice.TotalScore)

	bob, err := agg.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.GamesPlayed)
	assert.Equal(t, 0, bob.TotalScore)
}

func TestMoveRules(t *testing.T) {
	e, _, _ := setupEngine(t, nil)
	ctx := context.Background()

	room, err := e.CreateRoom(ctx, "alice")
	require.NoError(t, err)
	_, err = e.Move(ctx, room.ID, "alice", 0)
	assert.ErrorIs(t, err, ErrWaitingForPeer)

	_, err = e.Join(ctx, room.ID, "bob")
	require.NoError(t, err)

	_, err = e.Move(ctx, room.ID, "bob", 0)
	assert.ErrorIs(t, err, ErrNotYourTurn)
	_, err = e.Move(ctx, room.ID, "carol", 0)
	assert.ErrorIs(t, err, ErrNotInRoom)
	_, err = e.Move(ctx, room.ID, "alice", 9)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = e.Move(ctx, room.ID, "alice", 4)
	require.NoError(t, err)
	_, err = e.Move(ctx, room.ID, "bob", 4)
	assert.ErrorIs(t, err, ErrCellOccupied)
}

func TestConcurrentMovesOnSameCell(t *testing.T) {
	e, _, _ := setupEngine(t, nil)
	ctx := context.Background()
	roomID := activeRoom(t, e)

	var committed atomic.Int32
	var g errgroup.Group
	for _, user := range []string{"alice", "alice", "bob", "bob"} {
		g.Go(func() error {
			_, err := e.Move(ctx, roomID, user, 4)
			if err == nil {
				committed.Add(1)
				return nil
			}
			if !assert.ErrorIs(t, err, apperr.ErrPermission) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), committed.Load())

	room, err := e.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, X, room.Board[4])
	assert.Equal(t, O, room.Turn)
	assert.Len(t, room.Board.Empties(), 8)
}

func TestCreateRoomIsRateLimited(t *testing.T) {
	limiter := ratelimit.NewSlidingWindow(ratelimit.Config{Limit: 2, Window: time.Minute})
	e, _, _ := setupEngine(t, limiter)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.CreateRoom(ctx, "alice")
		require.NoError(t, err)
	}
	_, err := e.CreateRoom(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	_, err = e.StartLocal(ctx, "alice")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)

	_, err = e.CreateRoom(ctx, "bob")
	assert.NoError(t, err)
}

func TestWatchSeesMoves(t *testing.T) {
	e, _, _ := setupEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	roomID := activeRoom(t, e)

	sub, err := e.Watch(ctx, roomID)
	require.NoError(t, err)
	<-sub.Events()

	_, err = e.Move(ctx, roomID, "alice", 8)
	require.NoError(t, err)

	select {
	case ev := <-sub.Events():
		room, err := DecodeRoom(ev.Snapshot)
		require.NoError(t, err)
		assert.Equal(t, X, room.Board[8])
		assert.Equal(t, roomID, room.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no room update")
	}
}

func TestLobbyListsOpenRooms(t *testing.T) {
	e, _, st := setupEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, st.Write(ctx, profile.UserPath("alice"), profile.Profile{Username: "alice"}))

	base := time.UnixMilli(1_000_000)
	e.now = func() time.Time { return base }
	older, err := e.CreateRoom(ctx, "alice")
	require.NoError(t, err)
	e.now = func() time.Time { return base.Add(time.Second) }
	newer, err := e.CreateRoom(ctx, "carol")
	require.NoError(t, err)

	finished := activeRoom(t, e)
	for _, m := range []struct {
		user string
		cell int
	}{{"alice", 0}, {"bob", 3}, {"alice", 1}, {"bob", 4}, {"alice", 2}} {
		_, err := e.Move(ctx, finished, m.user, m.cell)
		require.NoError(t, err)
	}
	require.NoError(t, st.Write(ctx, RoomPath("junk"), map[string]any{"turn": "Z"}))

	lobby := NewLobby(st, profile.NewDirectory(st), nil)
	rooms, err := lobby.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, newer.ID, rooms[0].ID)
	assert.Equal(t, older.ID, rooms[1].ID)
	assert.Equal(t, "alice", rooms[1].Usernames["alice"])
}

func TestLocalGame(t *testing.T) {
	g := NewLocalGame(rand.New(rand.NewPCG(1, 2)))

	outcome := Ongoing
	for !outcome.Terminal() {
		cell := g.Board().Empties()[0]
		reply, o, err := g.Play(cell)
		require.NoError(t, err)
		if reply >= 0 {
			assert.Equal(t, O, g.Board()[reply])
		}
		outcome = o
	}

	_, _, err := g.Play(0)
	assert.ErrorIs(t, err, apperr.ErrPermission)
	assert.Equal(t, outcome, Evaluate(g.Board()))
}

func TestFinishLocalSubmitsWin(t *testing.T) {
	e, agg, _ := setupEngine(t, nil)
	ctx := context.Background()

	g := NewLocalGame(nil)
	g.board = Board{X, X, None, O, O}
	reply, outcome, err := g.Play(2)
	require.NoError(t, err)
	assert.Equal(t, -1, reply)
	assert.Equal(t, XWins, outcome)

	id, err := e.FinishLocal(ctx, "alice", g)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	s, err := agg.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, WinScore, s.Games[GameID].BestScore)

	lost := NewLocalGame(nil)
	lost.board = Board{O, O, O}
	id, err = e.FinishLocal(ctx, "alice", lost)
	require.NoError(t, err)
	assert.Empty(t, id)
}
