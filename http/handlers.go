package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"arcade/apperr"
	"arcade/auth"
	"arcade/chat"
	"arcade/game"
	"arcade/notify"
	"arcade/profile"
	"arcade/ratelimit"
	"arcade/social"
	"arcade/stats"
	"arcade/store"
	"arcade/ws"

	"github.com/gorilla/csrf"
)

// Services are the components the API exposes.
type Services struct {
	Auth   *auth.Service
	Users  *profile.Directory
	Engine *game.Engine
	Lobby  *game.Lobby
	Social *social.Graph
	Chat   *chat.Service
	Stats  *stats.Aggregator
	Notify *notify.Service
	WS     *ws.Manager
}

type Handlers struct {
	svc    Services
	local  *localGames
	logger *slog.Logger
}

func NewHandlers(svc Services, logger *slog.Logger) *Handlers {
	return &Handlers{
		svc:    svc,
		local:  &localGames{games: make(map[string]*game.LocalGame)},
		logger: logger,
	}
}

// localGames holds each user's single-player board between requests.
type localGames struct {
	mu    sync.Mutex
	games map[string]*game.LocalGame
}

func (l *localGames) get(uid string) *game.LocalGame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.games[uid]
}

func (l *localGames) put(uid string, g *game.LocalGame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g == nil {
		delete(l.games, uid)
		return
	}
	l.games[uid] = g
}

type errorBody struct {
	Error string `json:"error"`
}

var errBadRequest = apperr.New(apperr.ErrValidation, "invalid request body")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func statusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrPermission:
		return http.StatusForbidden
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrConflict:
		return http.StatusConflict
	case apperr.ErrRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError maps err onto a status code. Internal failures are logged and
// reported without detail.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}

	var limited *ratelimit.Error
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(int(limited.RetryAfter.Seconds())+1))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errBadRequest
	}
	return nil
}

// actor returns the signed-in user. AuthMiddleware guarantees one on
// protected routes.
func (h *Handlers) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, err := auth.CurrentActorID(r.Context())
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return "", false
	}
	return uid, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return fallback
}

type credentialsRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signedIn struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// Register creates the account and signs it in.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if _, err := h.svc.Auth.Register(r.Context(), req.Username, req.Email, req.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.signIn(w, r, req, http.StatusCreated)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.signIn(w, r, req, http.StatusOK)
}

func (h *Handlers) signIn(w http.ResponseWriter, r *http.Request, req credentialsRequest, status int) {
	sessionID, uid, err := h.svc.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.svc.Auth.GetSessionManager().SetSessionCookie(w, sessionID); err != nil {
		h.svc.Auth.Logout(sessionID)
		h.writeError(w, r, err)
		return
	}

	name, err := h.svc.Users.Username(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, signedIn{UserID: uid, Username: name})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	sm := h.svc.Auth.GetSessionManager()
	if sessionID := sm.SessionFromRequest(r); sessionID != "" {
		h.svc.Auth.Logout(sessionID)
	}
	sm.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "signed out"})
}

func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Users.Get(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, store.Keyed[*profile.Profile]{Key: uid, Value: p})
}

// CSRFToken hands the browser the token to echo in X-CSRF-Token.
func (h *Handlers) CSRFToken(w http.ResponseWriter, r *http.Request) {
	token := csrf.Token(r)
	w.Header().Set("X-CSRF-Token", token)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// HandleWebSocket serves the realtime topics of the signed-in user.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.svc.WS.HandleConnection(w, r, uid)
}
