// Package http exposes the services as a JSON API under /api, the realtime
// socket under /ws and the browser client's static files.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
)

// Options tune the transport. A nil CSRFKey disables token checks.
type Options struct {
	AllowedOrigin string
	CSRFKey       []byte
	SecureCookies bool
	StaticDir     string
	Logger        *slog.Logger
}

type Server struct {
	router   *mux.Router
	handlers *Handlers
	opts     Options
	logger   *slog.Logger
}

// NewServer builds the routes. ctx bounds the background work of the auth
// endpoint limiters.
func NewServer(ctx context.Context, svc Services, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")
	if opts.StaticDir == "" {
		opts.StaticDir = "./static"
	}

	server := &Server{
		router:   mux.NewRouter(),
		handlers: NewHandlers(svc, logger),
		opts:     opts,
		logger:   logger,
	}

	server.setupRoutes(ctx, svc)
	return server
}

func (s *Server) setupRoutes(ctx context.Context, svc Services) {
	h := s.handlers

	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(CORSMiddleware(s.opts.AllowedOrigin))
	if s.opts.CSRFKey != nil {
		s.router.Use(CSRFMiddleware(s.opts.CSRFKey, s.opts.SecureCookies))
	}

	// Preflight requests only need the CORS headers.
	s.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	loginLimiter := NewAddrLimiter(ctx, 5, 5)
	registerLimiter := NewAddrLimiter(ctx, 3, 3)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Handle("/auth/register", registerLimiter.Middleware(http.HandlerFunc(h.Register))).Methods(http.MethodPost)
	api.Handle("/auth/login", loginLimiter.Middleware(http.HandlerFunc(h.Login))).Methods(http.MethodPost)
	api.HandleFunc("/csrf", h.CSRFToken).Methods(http.MethodGet)

	protected := api.NewRoute().Subrouter()
	protected.Use(AuthMiddleware(svc.Auth))

	protected.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodPost)
	protected.HandleFunc("/auth/me", h.Me).Methods(http.MethodGet)

	protected.HandleFunc("/lobby/rooms", h.ListRooms).Methods(http.MethodGet)
	protected.HandleFunc("/lobby/rooms", h.CreateRoom).Methods(http.MethodPost)
	protected.HandleFunc("/lobby/rooms/{roomId}", h.GetRoom).Methods(http.MethodGet)
	protected.HandleFunc("/lobby/rooms/{roomId}/join", h.JoinRoom).Methods(http.MethodPost)
	protected.HandleFunc("/lobby/rooms/{roomId}/move", h.Move).Methods(http.MethodPost)
	protected.HandleFunc("/local", h.StartLocal).Methods(http.MethodPost)
	protected.HandleFunc("/local/move", h.PlayLocal).Methods(http.MethodPost)

	protected.HandleFunc("/friends", h.Friends).Methods(http.MethodGet)
	protected.HandleFunc("/friends/{userId}", h.RemoveFriend).Methods(http.MethodDelete)
	protected.HandleFunc("/friend-requests", h.FriendRequests).Methods(http.MethodGet)
	protected.HandleFunc("/friend-requests", h.SendFriendRequest).Methods(http.MethodPost)
	protected.HandleFunc("/friend-requests/{userId}/accept", h.AcceptFriendRequest).Methods(http.MethodPost)
	protected.HandleFunc("/friend-requests/{userId}/reject", h.RejectFriendRequest).Methods(http.MethodPost)
	protected.HandleFunc("/blocked", h.Blocked).Methods(http.MethodGet)
	protected.HandleFunc("/blocked/{userId}", h.Block).Methods(http.MethodPut)
	protected.HandleFunc("/blocked/{userId}", h.Unblock).Methods(http.MethodDelete)
	protected.HandleFunc("/users/search", h.SearchUsers).Methods(http.MethodGet)
	protected.HandleFunc("/status", h.SetStatus).Methods(http.MethodPut)

	protected.HandleFunc("/chats", h.Chats).Methods(http.MethodGet)
	protected.HandleFunc("/chats/{userId}/messages", h.Messages).Methods(http.MethodGet)
	protected.HandleFunc("/chats/{userId}/messages", h.SendMessage).Methods(http.MethodPost)
	protected.HandleFunc("/chats/{userId}/messages/{messageId}", h.DeleteMessage).Methods(http.MethodDelete)
	protected.HandleFunc("/chats/{userId}/read", h.MarkChatRead).Methods(http.MethodPost)
	protected.HandleFunc("/chats/{userId}/invites", h.SendGameInvite).Methods(http.MethodPost)
	protected.HandleFunc("/chats/{userId}/invites/{messageId}", h.RespondToGameInvite).Methods(http.MethodPost)
	protected.HandleFunc("/groups", h.CreateGroup).Methods(http.MethodPost)
	protected.HandleFunc("/groups/{groupId}", h.GetGroup).Methods(http.MethodGet)
	protected.HandleFunc("/groups/{groupId}/messages", h.GroupMessages).Methods(http.MethodGet)
	protected.HandleFunc("/groups/{groupId}/messages", h.SendGroupMessage).Methods(http.MethodPost)

	protected.HandleFunc("/stats", h.MyStats).Methods(http.MethodGet)
	protected.HandleFunc("/stats/global", h.GlobalStats).Methods(http.MethodGet)
	protected.HandleFunc("/stats/{userId}", h.UserStats).Methods(http.MethodGet)
	protected.HandleFunc("/scores", h.SubmitScore).Methods(http.MethodPost)
	protected.HandleFunc("/leaderboards/{game}", h.Leaderboard).Methods(http.MethodGet)
	protected.HandleFunc("/leaderboards/{game}/rank", h.Rank).Methods(http.MethodGet)

	protected.HandleFunc("/notifications", h.Notifications).Methods(http.MethodGet)
	protected.HandleFunc("/notifications/read", h.MarkAllNotificationsRead).Methods(http.MethodPost)
	protected.HandleFunc("/notifications/{notificationId}/read", h.MarkNotificationRead).Methods(http.MethodPost)

	// Unmatched API routes answer JSON instead of the client's HTML.
	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})

	s.router.Handle("/ws", AuthMiddleware(svc.Auth)(http.HandlerFunc(h.HandleWebSocket))).Methods(http.MethodGet)

	static := http.Dir(s.opts.StaticDir)
	s.router.PathPrefix("/css/").Handler(noCacheHandler(http.StripPrefix("/css/", http.FileServer(static+"/css"))))
	s.router.PathPrefix("/js/").Handler(noCacheHandler(http.StripPrefix("/js/", http.FileServer(static+"/js"))))

	// SPA fallback
	s.router.PathPrefix("/").HandlerFunc(s.serveSPA)
}

func noCacheHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		h.ServeHTTP(w, r)
	})
}

func (s *Server) serveSPA(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, filepath.Join(s.opts.StaticDir, "index.html"))
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) GetHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
