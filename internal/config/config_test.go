package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("missing optional file uses defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"), false)
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
		require.NoError(t, cfg.Validate())
	})

	t.Run("missing required file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "config.yaml"), true)
		assert.Error(t, err)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
server: https://polls.example.com
redisURL: redis://localhost:6379/0
prefix: quiz
lock:
  heartbeatInterval: 3s
  timeout: 10s
push:
  maxReconnects: 4
`), 0o600))

		cfg, err := Load(path, true)
		require.NoError(t, err)

		assert.Equal(t, "https://polls.example.com", cfg.Server)
		assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
		assert.Equal(t, "quiz", cfg.Prefix)
		assert.Equal(t, 3*time.Second, cfg.Lock.HeartbeatInterval)
		assert.Equal(t, 10*time.Second, cfg.Lock.Timeout)
		assert.Equal(t, time.Second, cfg.Lock.PollInterval)
		assert.Equal(t, 4, cfg.Push.MaxReconnects)
		assert.Equal(t, 5*time.Second, cfg.Push.ReconnectDelay)
		assert.Equal(t, Default().Lock.PublicPaths, cfg.Lock.PublicPaths)
	})

	t.Run("home relative paths", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("profileDir: ~/polls\n"), 0o600))

		cfg, err := Load(path, true)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(homeDir(), "polls"), cfg.ProfileDir)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("lock: [\n"), 0o600))

		_, err := Load(path, true)
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := map[string]func(c *Config){
		"no server":          func(c *Config) { c.Server = "" },
		"not http":           func(c *Config) { c.Server = "ftp://example.com" },
		"no profile":         func(c *Config) { c.ProfileDir = ""; c.RedisURL = "" },
		"no prefix":          func(c *Config) { c.Prefix = "" },
		"zero http timeout":  func(c *Config) { c.HTTPTimeout = 0 },
		"zero reconnect":     func(c *Config) { c.Push.ReconnectDelay = 0 },
		"negative reconnect": func(c *Config) { c.Push.MaxReconnects = -1 },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("redis without profile dir", func(t *testing.T) {
		cfg := Default()
		cfg.ProfileDir = ""
		cfg.RedisURL = "redis://localhost:6379"
		assert.NoError(t, cfg.Validate())
	})
}
