package notify

import (
	"context"
	"strings"
	"testing"

	"arcade/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndList(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()
	svc := NewService(st)

	updates := map[string]any{}
	first := Stage(st, updates, "bob", Notification{Type: TypeFriendRequest, From: "alice", Timestamp: 1})
	second := Stage(st, updates, "bob", Notification{Type: TypeNewMessage, From: "alice", Message: Preview("hi"), Timestamp: 2, Read: true})
	require.NoError(t, st.Merge(ctx, updates))

	list, err := svc.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
	assert.False(t, list[1].Read, "staged notifications start unread")

	count, err := svc.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, svc.MarkRead(ctx, "bob", first))
	count, _ = svc.UnreadCount(ctx, "bob")
	assert.Equal(t, 1, count)

	require.NoError(t, svc.MarkAllRead(ctx, "bob"))
	count, _ = svc.UnreadCount(ctx, "bob")
	assert.Equal(t, 0, count)
}

func TestMarkReadMissing(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	err := NewService(st).MarkRead(context.Background(), "bob", "nope")
	assert.ErrorIs(t, err, ErrNotificationNotFound)
}

func TestListSkipsMalformed(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, Path("bob", "junk"), map[string]any{"from": "x"}))
	list, err := NewService(st).List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	assert.Len(t, []rune(Preview(strings.Repeat("é", 80))), 50)
}
