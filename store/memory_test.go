package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"arcade/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupTestStore(t *testing.T, opts ...Option) *MemoryStore {
	t.Helper()
	s := NewMemoryStore(opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestReadWrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "users/u1", map[string]any{"username": "alice", "stats": map[string]any{"gamesPlayed": 2}}))

	snap, err := s.Read(ctx, "users/u1/username")
	require.NoError(t, err)
	assert.True(t, snap.Exists())
	assert.Equal(t, "alice", snap.Value)
	assert.Equal(t, "username", snap.Key)

	snap, err = s.Read(ctx, "users/u1/stats/gamesPlayed")
	require.NoError(t, err)
	assert.Equal(t, float64(2), snap.Value)

	snap, err = s.Read(ctx, "users/u2")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestWriteNilDeletesAndPrunes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "blocked/a/b", map[string]any{"blockedAt": 1}))
	require.NoError(t, s.Write(ctx, "blocked/a/b", nil))

	snap, err := s.Read(ctx, "blocked")
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestReadReturnsCopy(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "rooms/r1", map[string]any{"turn": "X"}))
	snap, err := s.Read(ctx, "rooms/r1")
	require.NoError(t, err)
	snap.Value.(map[string]any)["turn"] = "O"

	again, err := s.Read(ctx, "rooms/r1/turn")
	require.NoError(t, err)
	assert.Equal(t, "X", again.Value)
}

func TestInvalidPath(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"users//x", "users/a.b", "chats/$id", "x/[0]"} {
		err := s.Write(ctx, p, true)
		assert.ErrorIs(t, err, apperr.ErrValidation, p)
	}
}

func TestMergeIsAtomic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "friends", ValueChanged)
	require.NoError(t, err)
	defer sub.Close()
	initial := nextEvent(t, sub)
	assert.False(t, initial.Snapshot.Exists())

	require.NoError(t, s.Merge(ctx, map[string]any{
		"friends/a/b": map[string]any{"username": "bob"},
		"friends/b/a": map[string]any{"username": "alice"},
	}))

	ev := nextEvent(t, sub)
	assert.Equal(t, 2, ev.Snapshot.NumChildren(), "both mirrors must appear in the same event")
}

func TestMergeRejectsOverlap(t *testing.T) {
	s := setupTestStore(t)
	err := s.Merge(context.Background(), map[string]any{
		"chats/c1":             map[string]any{"type": "private"},
		"chats/c1/lastMessage": "hi",
	})
	assert.ErrorIs(t, err, ErrOverlapping)
}

func TestTransactAbort(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "counter", 1))

	res, err := s.Transact(ctx, "counter", func(cur Snapshot) (any, bool) {
		return nil, false
	})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, float64(1), res.Snapshot.Value)
}

func TestTransactConcurrentIncrements(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const workers = 20
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := s.Transact(ctx, "counter", func(cur Snapshot) (any, bool) {
				n, _ := cur.Value.(float64)
				return n + 1, true
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	snap, err := s.Read(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, float64(workers), snap.Value)
}

func TestTransactConflictBudget(t *testing.T) {
	s := setupTestStore(t, WithMaxAttempts(3))
	ctx := context.Background()

	var calls atomic.Int32
	_, err := s.Transact(ctx, "contended", func(cur Snapshot) (any, bool) {
		n := calls.Add(1)
		// Another writer lands between every read and commit.
		require.NoError(t, s.Write(ctx, "contended", n*100))
		return n, true
	})

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 3, conflict.Attempts)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransactComparesByValue(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "slot", "free"))

	// A concurrent writer that restores the value is not a conflict.
	res, err := s.Transact(ctx, "slot", func(cur Snapshot) (any, bool) {
		if cur.Value == "free" {
			require.NoError(t, s.Write(ctx, "slot", "taken"))
			require.NoError(t, s.Write(ctx, "slot", "free"))
		}
		return "mine", true
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Attempts)

	// One that leaves a different value forces a retry.
	var calls int
	res, err = s.Transact(ctx, "slot", func(cur Snapshot) (any, bool) {
		calls++
		if calls == 1 {
			require.NoError(t, s.Write(ctx, "slot", "theirs"))
		}
		return "again", true
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 2, res.Attempts)
}

func TestSubscribeChildAdded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	first := s.PushKey()
	require.NoError(t, s.Write(ctx, "chats/c1/messages/"+first, map[string]any{"text": "one"}))

	sub, err := s.Subscribe(ctx, "chats/c1/messages", ChildAdded)
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.Equal(t, first, ev.Snapshot.Key)

	second := s.PushKey()
	require.NoError(t, s.Write(ctx, "chats/c1/messages/"+second, map[string]any{"text": "two"}))
	// Flagging read on an existing child is not an addition.
	require.NoError(t, s.Write(ctx, "chats/c1/messages/"+first+"/read", true))

	ev = nextEvent(t, sub)
	assert.Equal(t, second, ev.Snapshot.Key)

	select {
	case extra := <-sub.Events():
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeOrderAndClose(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "n", ValueChanged)
	require.NoError(t, err)
	nextEvent(t, sub)

	for i := 1; i <= 50; i++ {
		require.NoError(t, s.Write(ctx, "n", i))
	}
	for i := 1; i <= 50; i++ {
		ev := nextEvent(t, sub)
		assert.Equal(t, float64(i), ev.Snapshot.Value)
	}

	sub.Close()
	sub.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestSubscribeEndsWithContext(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := s.Subscribe(ctx, "x", ValueChanged)
	require.NoError(t, err)

	cancel()
	count := 0
	for range sub.All() {
		count++
	}
	assert.LessOrEqual(t, count, 1)
}

func TestDisconnectAppliesRegisteredWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "users/u1/status", "online"))
	require.NoError(t, s.Write(ctx, "chats/c1/typing/u1", true))
	require.NoError(t, s.OnDisconnect(ctx, "u1", "users/u1/status", "offline"))
	require.NoError(t, s.OnDisconnect(ctx, "u1", "chats/c1/typing/u1", nil))

	require.NoError(t, s.Disconnect(ctx, "u1"))

	status, _ := s.Read(ctx, "users/u1/status")
	assert.Equal(t, "offline", status.Value)
	typing, _ := s.Read(ctx, "chats/c1/typing/u1")
	assert.False(t, typing.Exists())

	// Registrations are consumed.
	require.NoError(t, s.Write(ctx, "users/u1/status", "online"))
	require.NoError(t, s.Disconnect(ctx, "u1"))
	status, _ = s.Read(ctx, "users/u1/status")
	assert.Equal(t, "online", status.Value)
}

func TestPushKeysAreOrdered(t *testing.T) {
	s := setupTestStore(t)
	prev := s.PushKey()
	for i := 0; i < 100; i++ {
		next := s.PushKey()
		assert.Less(t, prev, next)
		prev = next
	}
}

type testRecord struct {
	Name string `json:"name"`
}

func (r *testRecord) Validate() error {
	if r.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func TestDecodeValidates(t *testing.T) {
	var rec testRecord
	err := newSnapshot("x", map[string]any{"other": 1}).Decode(&rec)
	assert.ErrorIs(t, err, ErrMalformedValue)

	err = newSnapshot("x", nil).Decode(&rec)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, newSnapshot("x", map[string]any{"name": "ok"}).Decode(&rec))
	assert.Equal(t, "ok", rec.Name)
}
