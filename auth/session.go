package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	cookieName = "session_id"
	sessionTTL = 7 * 24 * time.Hour
)

type Session struct {
	UserID    string
	ExpiresAt time.Time
}

// StateChange is published when a user signs in or out.
type StateChange struct {
	UserID   string
	SignedIn bool
}

type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	codec    *securecookie.SecureCookie
	now      func() time.Time

	watchMu  sync.Mutex
	watchers map[chan StateChange]struct{}
}

// NewSessionManager signs cookies with secret. The cookie carries only the
// session id; the signature keeps clients from forging ids.
func NewSessionManager(secret []byte) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		codec:    securecookie.New(secret, nil),
		now:      time.Now,
		watchers: make(map[chan StateChange]struct{}),
	}
}

func (sm *SessionManager) CreateSession(userID string) (string, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return "", err
	}

	sm.mu.Lock()
	sm.sessions[sessionID] = &Session{
		UserID:    userID,
		ExpiresAt: sm.now().Add(sessionTTL),
	}
	sm.mu.Unlock()

	sm.publish(StateChange{UserID: userID, SignedIn: true})
	return sessionID, nil
}

func (sm *SessionManager) GetUserID(sessionID string) (string, bool) {
	sm.mu.RLock()
	session, exists := sm.sessions[sessionID]
	sm.mu.RUnlock()

	if !exists {
		return "", false
	}

	if sm.now().After(session.ExpiresAt) {
		sm.DeleteSession(sessionID)
		return "", false
	}

	return session.UserID, true
}

func (sm *SessionManager) DeleteSession(sessionID string) {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if exists {
		sm.publish(StateChange{UserID: session.UserID, SignedIn: false})
	}
}

func (sm *SessionManager) SetSessionCookie(w http.ResponseWriter, sessionID string) error {
	encoded, err := sm.codec.Encode(cookieName, sessionID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(sessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (sm *SessionManager) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// SessionFromRequest returns the verified session id of the request's
// cookie, or "" when missing or tampered with.
func (sm *SessionManager) SessionFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	var sessionID string
	if err := sm.codec.Decode(cookieName, cookie.Value, &sessionID); err != nil {
		return ""
	}
	return sessionID
}

// Watch streams sign-in and sign-out events until ctx is done. Events are
// dropped for a watcher that falls more than a buffer behind.
func (sm *SessionManager) Watch(ctx context.Context) <-chan StateChange {
	ch := make(chan StateChange, 16)
	sm.watchMu.Lock()
	sm.watchers[ch] = struct{}{}
	sm.watchMu.Unlock()

	context.AfterFunc(ctx, func() {
		sm.watchMu.Lock()
		delete(sm.watchers, ch)
		close(ch)
		sm.watchMu.Unlock()
	})
	return ch
}

func (sm *SessionManager) publish(change StateChange) {
	sm.watchMu.Lock()
	defer sm.watchMu.Unlock()
	for ch := range sm.watchers {
		select {
		case ch <- change:
		default:
		}
	}
}

// Run drops expired sessions every interval until ctx is done.
func (sm *SessionManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.mu.Lock()
			now := sm.now()
			for id, session := range sm.sessions {
				if now.After(session.ExpiresAt) {
					delete(sm.sessions, id)
				}
			}
			sm.mu.Unlock()
		}
	}
}

func generateSessionID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
