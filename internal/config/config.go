// Package config loads the optional pollsync YAML file and its defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the profile configuration. Zero fields fall back to Default.
type Config struct {
	Server     string `yaml:"server"`
	ProfileDir string `yaml:"profileDir"`
	// RedisURL selects the Redis profile store instead of ProfileDir.
	RedisURL string `yaml:"redisURL"`
	Prefix   string `yaml:"prefix"`
	CacheDir string `yaml:"cacheDir"`
	NoCache  bool   `yaml:"noCache"`

	HTTPTimeout time.Duration `yaml:"httpTimeout"`

	Lock LockConfig `yaml:"lock"`
	Push PushConfig `yaml:"push"`
}

type LockConfig struct {
	PollInterval      time.Duration `yaml:"pollInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	Timeout           time.Duration `yaml:"timeout"`
	PublicPaths       []string      `yaml:"publicPaths"`
}

type PushConfig struct {
	Disabled       bool          `yaml:"disabled"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay"`
	MaxReconnects  int           `yaml:"maxReconnects"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:      "http://localhost:8080",
		ProfileDir:  filepath.Join(homeDir(), ".pollsync", "profile"),
		Prefix:      "xpoll",
		CacheDir:    filepath.Join(homeDir(), ".pollsync", "cache"),
		HTTPTimeout: 30 * time.Second,
		Lock: LockConfig{
			PollInterval:      time.Second,
			HeartbeatInterval: 2 * time.Second,
			Timeout:           5 * time.Second,
			PublicPaths:       []string{"/", "/login", "/signup", "/recovery", "/reset-password", "/oauth/callback"},
		},
		Push: PushConfig{
			ReconnectDelay: 5 * time.Second,
		},
	}
}

// DefaultPath is ~/.pollsync/config.yaml.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".pollsync", "config.yaml")
}

// Load reads path over Default. A missing file is only an error when
// required is set.
func Load(path string, required bool) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.overlay(file)
	return cfg, nil
}

func (c *Config) overlay(o Config) {
	if o.Server != "" {
		c.Server = o.Server
	}
	if o.ProfileDir != "" {
		c.ProfileDir = expandHome(o.ProfileDir)
	}
	if o.RedisURL != "" {
		c.RedisURL = o.RedisURL
	}
	if o.Prefix != "" {
		c.Prefix = o.Prefix
	}
	if o.CacheDir != "" {
		c.CacheDir = expandHome(o.CacheDir)
	}
	if o.NoCache {
		c.NoCache = true
	}
	if o.HTTPTimeout > 0 {
		c.HTTPTimeout = o.HTTPTimeout
	}
	if o.Lock.PollInterval > 0 {
		c.Lock.PollInterval = o.Lock.PollInterval
	}
	if o.Lock.HeartbeatInterval > 0 {
		c.Lock.HeartbeatInterval = o.Lock.HeartbeatInterval
	}
	if o.Lock.Timeout > 0 {
		c.Lock.Timeout = o.Lock.Timeout
	}
	if len(o.Lock.PublicPaths) > 0 {
		c.Lock.PublicPaths = o.Lock.PublicPaths
	}
	if o.Push.Disabled {
		c.Push.Disabled = true
	}
	if o.Push.ReconnectDelay > 0 {
		c.Push.ReconnectDelay = o.Push.ReconnectDelay
	}
	if o.Push.MaxReconnects > 0 {
		c.Push.MaxReconnects = o.Push.MaxReconnects
	}
}

// Validate checks the values the rest of the program relies on.
func (c Config) Validate() error {
	if c.Server == "" {
		return fmt.Errorf("%w: server is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Server, "http://") && !strings.HasPrefix(c.Server, "https://") {
		return fmt.Errorf("%w: server must be an http or https URL: %q", ErrInvalidConfig, c.Server)
	}
	if c.ProfileDir == "" && c.RedisURL == "" {
		return fmt.Errorf("%w: a profile directory or redis URL is required", ErrInvalidConfig)
	}
	if c.Prefix == "" {
		return fmt.Errorf("%w: prefix is required", ErrInvalidConfig)
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("%w: httpTimeout must be positive", ErrInvalidConfig)
	}
	if c.Push.ReconnectDelay <= 0 {
		return fmt.Errorf("%w: push.reconnectDelay must be positive", ErrInvalidConfig)
	}
	if c.Push.MaxReconnects < 0 {
		return fmt.Errorf("%w: push.maxReconnects must not be negative", ErrInvalidConfig)
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir(), rest)
	}
	return path
}
