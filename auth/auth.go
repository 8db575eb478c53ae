// Package auth is the identity provider: registration, password login,
// cookie sessions and the acting user carried by a request context.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arcade/apperr"
	"arcade/moderation"
	"arcade/profile"
	"arcade/store"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidPassword    = apperr.New(apperr.ErrValidation, "password must be at least 8 characters and contain both letters and numbers")
	ErrInvalidCredentials = apperr.New(apperr.ErrPermission, "invalid username or password")
	ErrUnauthenticated    = apperr.New(apperr.ErrPermission, "not signed in")
)

type credentials struct {
	PasswordHash string `json:"passwordHash"`
}

func credentialsPath(uid string) string {
	return store.Join("credentials", uid)
}

type Service struct {
	store   store.Store
	users   *profile.Directory
	session *SessionManager
	filter  moderation.Filter
	now     func() time.Time
	logger  *slog.Logger
}

func NewService(st store.Store, users *profile.Directory, sessionManager *SessionManager, filter moderation.Filter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		users:   users,
		session: sessionManager,
		filter:  filter,
		now:     time.Now,
		logger:  logger.With("component", "auth"),
	}
}

// Register creates an account and returns its user id. The username is
// claimed in the index before the profile is written, so two concurrent
// registrations of one name cannot both succeed.
func (s *Service) Register(ctx context.Context, username, email, password string) (string, error) {
	username = moderation.Sanitize(username)

	if err := moderation.ValidateUsername(s.filter, username); err != nil {
		return "", err
	}
	if err := validatePassword(password); err != nil {
		return "", err
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}

	uid := s.store.PushKey()
	if err := s.users.Claim(ctx, uid, username); err != nil {
		return "", err
	}

	if err := s.store.Merge(ctx, map[string]any{
		profile.UserPath(uid): profile.Profile{
			Username:  username,
			Email:     moderation.Sanitize(email),
			CreatedAt: s.now().UnixMilli(),
			Status:    profile.StatusOffline,
		},
		credentialsPath(uid): credentials{PasswordHash: string(passwordHash)},
	}); err != nil {
		if rerr := s.users.Release(ctx, uid, username); rerr != nil {
			s.logger.Error("failed to release username", "username", username, "error", rerr)
		}
		return "", fmt.Errorf("failed to create user: %w", err)
	}

	s.logger.Info("user registered", "user", uid, "username", username)
	return uid, nil
}

// Login checks the password and opens a session. It returns the session id
// and the user id.
func (s *Service) Login(ctx context.Context, username, password string) (string, string, error) {
	username = moderation.Sanitize(username)

	uid, err := s.users.Lookup(ctx, username)
	if err != nil {
		if apperr.Kind(err) == apperr.ErrNotFound {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}

	snap, err := s.store.Read(ctx, credentialsPath(uid))
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials: %w", err)
	}
	var creds credentials
	if err := snap.Decode(&creds); err != nil {
		return "", "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return "", "", ErrInvalidCredentials
	}

	sessionID, err := s.session.CreateSession(uid)
	if err != nil {
		return "", "", fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info("user signed in", "user", uid)
	return sessionID, uid, nil
}

func (s *Service) Logout(sessionID string) {
	s.session.DeleteSession(sessionID)
}

func (s *Service) ValidateSession(sessionID string) (string, bool) {
	return s.session.GetUserID(sessionID)
}

func (s *Service) GetSessionManager() *SessionManager {
	return s.session
}

// OnAuthStateChanged streams sign-in and sign-out events until ctx is done.
func (s *Service) OnAuthStateChanged(ctx context.Context) <-chan StateChange {
	return s.session.Watch(ctx)
}

type actorKey struct{}

// WithActor returns a context carrying the acting user.
func WithActor(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, actorKey{}, uid)
}

// CurrentActorID returns the acting user of ctx.
func CurrentActorID(ctx context.Context) (string, error) {
	uid, ok := ctx.Value(actorKey{}).(string)
	if !ok || uid == "" {
		return "", ErrUnauthenticated
	}
	return uid, nil
}

func validatePassword(password string) error {
	if len(password) < 8 {
		return ErrInvalidPassword
	}

	hasLetter := false
	hasNumber := false

	for _, char := range password {
		if (char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') {
			hasLetter = true
		}
		if char >= '0' && char <= '9' {
			hasNumber = true
		}
	}

	if !hasLetter || !hasNumber {
		return ErrInvalidPassword
	}

	return nil
}
