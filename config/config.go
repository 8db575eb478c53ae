// Package config loads server settings from flags, ARCADE_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"arcade/ratelimit"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	LimiterLocal = "local"
	LimiterRedis = "redis"
)

type Config struct {
	ConfigFile string

	Addr          string
	Backend       string
	DBPath        string
	SessionSecret string
	MaxAttempts   int

	Messages       ratelimit.Config
	FriendRequests ratelimit.Config
	GameStarts     ratelimit.Config
	LimiterBackend string
	RedisAddr      string

	TypingQuiet time.Duration

	LogLevel  string
	LogFormat string

	CSRF          bool
	AllowedOrigin string
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("listen address is required")
	}
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.DBPath == "" {
			return errors.New("--db-path is required with the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (memory or sqlite)", c.Backend)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("--max-attempts must be positive, got %d", c.MaxAttempts)
	}
	for name, rl := range map[string]ratelimit.Config{
		"message":        c.Messages,
		"friend-request": c.FriendRequests,
		"game-start":     c.GameStarts,
	} {
		if err := rl.Validate(); err != nil {
			return fmt.Errorf("%s limiter: %w", name, err)
		}
	}
	switch c.LimiterBackend {
	case LimiterLocal:
	case LimiterRedis:
		if c.RedisAddr == "" {
			return errors.New("--redis-addr is required with the redis limiter")
		}
	default:
		return fmt.Errorf("unknown limiter backend %q (local or redis)", c.LimiterBackend)
	}
	if c.TypingQuiet <= 0 {
		return fmt.Errorf("--typing-quiet must be positive, got %s", c.TypingQuiet)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (text or json)", c.LogFormat)
	}
	return nil
}

// NewCommand builds the root command. run is called with a validated
// config; an empty session secret is replaced by a random one first.
func NewCommand(cfg *Config, run func(cmd *cobra.Command, cfg *Config) error) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("ARCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "arcade",
		Short: "Multiplayer game, chat and leaderboard server.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return apply(cmd.Flags(), v, cfg.ConfigFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.SessionSecret == "" {
				secret, err := generateSessionSecret()
				if err != nil {
					return err
				}
				cfg.SessionSecret = secret
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd, cfg)
		},
	}

	fs := cmd.Flags()
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.ConfigFile, "config", "c", "", "optional config file (yaml, json or toml)")
	fs.StringVarP(&cfg.Addr, "addr", "a", ":8080", "address to listen on (env: ARCADE_ADDR)")
	fs.StringVar(&cfg.Backend, "backend", BackendSQLite, "state backend, memory or sqlite (env: ARCADE_BACKEND)")
	fs.StringVar(&cfg.DBPath, "db-path", "./arcade.db", "sqlite database path (env: ARCADE_DB_PATH)")
	fs.StringVar(&cfg.SessionSecret, "session-secret", "", "key signing session cookies, random when empty (env: ARCADE_SESSION_SECRET)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", 25, "transaction retry budget (env: ARCADE_MAX_ATTEMPTS)")

	fs.IntVar(&cfg.Messages.Limit, "message-limit", ratelimit.Messages.Limit, "messages allowed per window (env: ARCADE_MESSAGE_LIMIT)")
	fs.DurationVar(&cfg.Messages.Window, "message-window", ratelimit.Messages.Window, "message rate window (env: ARCADE_MESSAGE_WINDOW)")
	fs.IntVar(&cfg.FriendRequests.Limit, "friend-request-limit", ratelimit.FriendRequests.Limit, "friend requests allowed per window (env: ARCADE_FRIEND_REQUEST_LIMIT)")
	fs.DurationVar(&cfg.FriendRequests.Window, "friend-request-window", ratelimit.FriendRequests.Window, "friend request rate window (env: ARCADE_FRIEND_REQUEST_WINDOW)")
	fs.IntVar(&cfg.GameStarts.Limit, "game-start-limit", ratelimit.GameStarts.Limit, "game starts allowed per window (env: ARCADE_GAME_START_LIMIT)")
	fs.DurationVar(&cfg.GameStarts.Window, "game-start-window", ratelimit.GameStarts.Window, "game start rate window (env: ARCADE_GAME_START_WINDOW)")
	fs.StringVar(&cfg.LimiterBackend, "limiter", LimiterLocal, "rate limiter backend, local or redis (env: ARCADE_LIMITER)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "localhost:6379", "redis address for the redis limiter (env: ARCADE_REDIS_ADDR)")

	fs.DurationVar(&cfg.TypingQuiet, "typing-quiet", 3*time.Second, "typing marker lifetime after the last keystroke (env: ARCADE_TYPING_QUIET)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error (env: ARCADE_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "text or json (env: ARCADE_LOG_FORMAT)")
	fs.BoolVar(&cfg.CSRF, "csrf", false, "require CSRF tokens on API writes (env: ARCADE_CSRF)")
	fs.StringVar(&cfg.AllowedOrigin, "allowed-origin", "", "origin allowed by CORS and websocket upgrades, any when empty (env: ARCADE_ALLOWED_ORIGIN)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// apply fills every flag not set on the command line from the environment
// or the config file.
func apply(fs *pflag.FlagSet, v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, err)
			return
		}
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			if err := fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name))); err != nil {
				errs = append(errs, fmt.Errorf("invalid value for %s: %w", f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

func generateSessionSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate session secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}
