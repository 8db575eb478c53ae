package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arcade/auth"
	"arcade/chat"
	"arcade/config"
	"arcade/game"
	httpserver "arcade/http"
	"arcade/logging"
	"arcade/moderation"
	"arcade/notify"
	"arcade/profile"
	"arcade/ratelimit"
	"arcade/social"
	"arcade/stats"
	"arcade/store"
	"arcade/ws"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const (
	sessionSweepInterval = time.Minute
	limiterSweepInterval = time.Minute
	shutdownTimeout      = 10 * time.Second
)

func main() {
	cmd := config.NewCommand(&config.Config{}, run)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type limiters struct {
	messages       ratelimit.Limiter
	friendRequests ratelimit.Limiter
	gameStarts     ratelimit.Limiter
}

func run(cmd *cobra.Command, cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting arcade server", "addr", cfg.Addr, "backend", cfg.Backend, "limiter", cfg.LimiterBackend)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	lim, closeLimiters, err := newLimiters(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiters()

	filter := moderation.NewWordList(moderation.DefaultBanned, moderation.DefaultMasked)
	users := profile.NewDirectory(st)
	agg := stats.NewAggregator(st, users, logger)
	engine := game.NewEngine(st, lim.gameStarts, agg, logger)
	lobby := game.NewLobby(st, users, logger)
	graph := social.NewGraph(st, users, lim.friendRequests, filter, logger)
	chats := chat.NewService(st, users,
		chat.WithLimiter(lim.messages),
		chat.WithFilter(filter),
		chat.WithBlockChecker(graph),
		chat.WithRooms(engine),
		chat.WithTypingQuiet(cfg.TypingQuiet),
		chat.WithLogger(logger),
	)
	notifications := notify.NewService(st)

	sessions := auth.NewSessionManager([]byte(cfg.SessionSecret))
	authService := auth.NewService(st, users, sessions, filter, logger)
	go sessions.Run(ctx, sessionSweepInterval)
	go trackPresence(ctx, authService, st, graph, logger)

	wsManager := ws.NewManager(ws.Deps{
		Store:  st,
		Engine: engine,
		Lobby:  lobby,
		Social: graph,
		Chat:   chats,
		Notify: notifications,
	}, cfg.AllowedOrigin, logger)
	defer wsManager.Close()

	opts := httpserver.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
	}
	if cfg.CSRF {
		key := sha256.Sum256([]byte("csrf:" + cfg.SessionSecret))
		opts.CSRFKey = key[:]
	}
	server := httpserver.NewServer(ctx, httpserver.Services{
		Auth:   authService,
		Users:  users,
		Engine: engine,
		Lobby:  lobby,
		Social: graph,
		Chat:   chats,
		Stats:  agg,
		Notify: notifications,
		WS:     wsManager,
	}, opts)
	srv := server.GetHTTPServer(cfg.Addr)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	opts := []store.Option{store.WithMaxAttempts(cfg.MaxAttempts), store.WithLogger(logger)}
	if cfg.Backend == config.BackendMemory {
		return store.NewMemoryStore(opts...), nil
	}
	st, err := store.NewSQLiteStore(ctx, cfg.DBPath, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("database initialized", "path", cfg.DBPath)
	return st, nil
}

func newLimiters(ctx context.Context, cfg *config.Config) (limiters, func(), error) {
	if cfg.LimiterBackend == config.LimiterRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return limiters{}, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return limiters{
			messages:       ratelimit.NewRedisWindow(client, cfg.Messages, "arcade:ratelimit:messages:"),
			friendRequests: ratelimit.NewRedisWindow(client, cfg.FriendRequests, "arcade:ratelimit:friend_requests:"),
			gameStarts:     ratelimit.NewRedisWindow(client, cfg.GameStarts, "arcade:ratelimit:game_starts:"),
		}, func() { client.Close() }, nil
	}

	messages := ratelimit.NewSlidingWindow(cfg.Messages)
	friendRequests := ratelimit.NewSlidingWindow(cfg.FriendRequests)
	gameStarts := ratelimit.NewSlidingWindow(cfg.GameStarts)
	for _, l := range []*ratelimit.SlidingWindow{messages, friendRequests, gameStarts} {
		go l.Run(ctx, limiterSweepInterval)
	}
	return limiters{messages: messages, friendRequests: friendRequests, gameStarts: gameStarts}, func() {}, nil
}

// trackPresence mirrors sign-in state into each user's status. A sign-out
// also fires the user's disconnect hooks.
func trackPresence(ctx context.Context, authService *auth.Service, st store.Store, graph *social.Graph, logger *slog.Logger) {
	for change := range authService.OnAuthStateChanged(ctx) {
		status := profile.StatusOnline
		if !change.SignedIn {
			status = profile.StatusOffline
			if err := st.Disconnect(ctx, change.UserID); err != nil {
				logger.Warn("disconnect hooks failed", "uid", change.UserID, "error", err)
			}
		}
		if err := graph.SetStatus(ctx, change.UserID, status); err != nil && ctx.Err() == nil {
			logger.Warn("failed to update status", "uid", change.UserID, "status", status, "error", err)
		}
	}
}
