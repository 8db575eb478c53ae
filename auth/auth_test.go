package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"arcade/apperr"
	"arcade/moderation"
	"arcade/profile"
	"arcade/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func setupService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })
	filter := moderation.NewWordList(moderation.DefaultBanned, moderation.DefaultMasked)
	sm := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"))
	return NewService(st, profile.NewDirectory(st), sm, filter, nil), st
}

func TestRegisterAndLogin(t *testing.T) {
	s, st := setupService(t)
	ctx := context.Background()

	uid, err := s.Register(ctx, "alice", "alice@example.com", "hunter22")
	require.NoError(t, err)

	user, err := st.Read(ctx, profile.UserPath(uid, "username"))
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Value)

	sessionID, got, err := s.Login(ctx, "alice", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, uid, got)

	actor, ok := s.ValidateSession(sessionID)
	assert.True(t, ok)
	assert.Equal(t, uid, actor)

	s.Logout(sessionID)
	_, ok = s.ValidateSession(sessionID)
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{"short username", "al", "hunter22", moderation.ErrUsernameLength},
		{"charset", "al ice", "hunter22", moderation.ErrUsernameCharset},
		{"banned", "casinoking", "hunter22", moderation.ErrUsernameBanned},
		{"short password", "alice", "abc1", ErrInvalidPassword},
		{"letters only", "alice", "abcdefgh", ErrInvalidPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(ctx, tt.username, "", tt.password)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestRegisterUsernameIsUnique(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()

	var g errgroup.Group
	results := make([]error, 4)
	for i := range results {
		g.Go(func() error {
			_, results[i] = s.Register(ctx, "Alice", "", "hunter22")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	won := 0
	for _, err := range results {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, profile.ErrUsernameTaken)
	}
	assert.Equal(t, 1, won)

	_, err := s.Register(ctx, "alice", "", "hunter22")
	assert.ErrorIs(t, err, profile.ErrUsernameTaken)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s, _ := setupService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, "alice", "", "hunter22")
	require.NoError(t, err)

	_, _, err = s.Login(ctx, "alice", "hunter23")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = s.Login(ctx, "nobody", "hunter22")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSessionCookieIsSigned(t *testing.T) {
	sm := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"))
	sessionID, err := sm.CreateSession("u1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, sm.SetSessionCookie(rec, sessionID))
	cookie := rec.Result().Cookies()[0]
	assert.NotEqual(t, sessionID, cookie.Value)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	assert.Equal(t, sessionID, sm.SessionFromRequest(req))

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: cookieName, Value: sessionID})
	assert.Empty(t, sm.SessionFromRequest(forged))
}

func TestSessionExpires(t *testing.T) {
	sm := NewSessionManager([]byte("0123456789abcdef0123456789abcdef"))
	now := time.Now()
	sm.now = func() time.Time { return now }

	sessionID, err := sm.CreateSession("u1")
	require.NoError(t, err)
	_, ok := sm.GetUserID(sessionID)
	assert.True(t, ok)

	now = now.Add(sessionTTL + time.Second)
	_, ok = sm.GetUserID(sessionID)
	assert.False(t, ok)
}

func TestAuthStateChanges(t *testing.T) {
	s, _ := setupService(t)
	ctx, cancel := context.WithCancel(context.Background())

	changes := s.OnAuthStateChanged(ctx)

	_, err := s.Register(context.Background(), "alice", "", "hunter22")
	require.NoError(t, err)
	sessionID, uid, err := s.Login(context.Background(), "alice", "hunter22")
	require.NoError(t, err)
	s.Logout(sessionID)

	assert.Equal(t, StateChange{UserID: uid, SignedIn: true}, <-changes)
	assert.Equal(t, StateChange{UserID: uid, SignedIn: false}, <-changes)

	cancel()
	for range changes {
	}
}

func TestCurrentActorID(t *testing.T) {
	_, err := CurrentActorID(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	uid, err := CurrentActorID(WithActor(context.Background(), "u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
}
