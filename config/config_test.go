package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var got *Config
	cmd := NewCommand(&Config{}, func(_ *cobra.Command, cfg *Config) error {
		got = cfg
		return nil
	})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return got, err
}

func TestDefaults(t *testing.T) {
	cfg, err := execute(t)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, 25, cfg.MaxAttempts)
	assert.Equal(t, 10, cfg.Messages.Limit)
	assert.Equal(t, 5*time.Minute, cfg.FriendRequests.Window)
	assert.Equal(t, 20, cfg.GameStarts.Limit)
	assert.Equal(t, 3*time.Second, cfg.TypingQuiet)
	assert.NotEmpty(t, cfg.SessionSecret)
}

func TestEnvFillsUnsetFlags(t *testing.T) {
	t.Setenv("ARCADE_BACKEND", "memory")
	t.Setenv("ARCADE_MESSAGE_WINDOW", "30s")
	t.Setenv("ARCADE_MAX_ATTEMPTS", "9")

	cfg, err := execute(t, "--max-attempts", "5")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, 30*time.Second, cfg.Messages.Window)
	assert.Equal(t, 5, cfg.MaxAttempts)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arcade.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-format: json\ngame-start-limit: 3\n"), 0o600))

	cfg, err := execute(t, "--config", path)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3, cfg.GameStarts.Limit)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := execute(t)
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.Backend = "postgres" }},
		{"db path", func(c *Config) { c.DBPath = "" }},
		{"attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"limit", func(c *Config) { c.Messages.Limit = 0 }},
		{"window", func(c *Config) { c.GameStarts.Window = 0 }},
		{"limiter", func(c *Config) { c.LimiterBackend = "memcached" }},
		{"redis addr", func(c *Config) { c.LimiterBackend = LimiterRedis; c.RedisAddr = "" }},
		{"typing", func(c *Config) { c.TypingQuiet = 0 }},
		{"log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			require.NoError(t, cfg.Validate())
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInvalidFlagFails(t *testing.T) {
	_, err := execute(t, "--backend", "postgres")
	assert.ErrorContains(t, err, "unknown backend")
}
