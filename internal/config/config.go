// Package config loads and edits the parley CLI configuration stored in
// ~/.parley/config.toml.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the full CLI configuration.
type Config struct {
	Server ServerConfig `toml:"server" mapstructure:"server"`
	Auth   AuthConfig   `toml:"auth" mapstructure:"auth"`
	Log    LogConfig    `toml:"log" mapstructure:"log"`
	Sync   SyncConfig   `toml:"sync" mapstructure:"sync"`
}

// ServerConfig locates the chat server.
type ServerConfig struct {
	BaseURL string `toml:"base_url" mapstructure:"base_url"`
	// WSURL overrides the websocket endpoint derived from BaseURL.
	WSURL string `toml:"ws_url,omitempty" mapstructure:"ws_url"`
}

// AuthConfig holds the login state written by `parley login`.
type AuthConfig struct {
	Token  string `toml:"token,omitempty" mapstructure:"token"`
	UserID string `toml:"user_id,omitempty" mapstructure:"user_id"`
	Email  string `toml:"email,omitempty" mapstructure:"email"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
}

// SyncConfig tunes the sync engine. Durations use Go syntax ("3s").
type SyncConfig struct {
	TypingTimeout     string `toml:"typing_timeout" mapstructure:"typing_timeout"`
	SearchDebounce    string `toml:"search_debounce" mapstructure:"search_debounce"`
	HeartbeatInterval string `toml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HistoryLimit      int    `toml:"history_limit" mapstructure:"history_limit"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:3000/api",
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		Sync: SyncConfig{
			TypingTimeout:     "3s",
			SearchDebounce:    "300ms",
			HeartbeatInterval: "25s",
			HistoryLimit:      50,
		},
	}
}

// Validate checks the values a user can get wrong.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if c.Server.WSURL != "" {
		u, err := url.Parse(c.Server.WSURL)
		if err != nil {
			return fmt.Errorf("server.ws_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("server.ws_url must use ws or wss, got %q", u.Scheme)
		}
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	for key, v := range map[string]string{
		"sync.typing_timeout":     c.Sync.TypingTimeout,
		"sync.search_debounce":    c.Sync.SearchDebounce,
		"sync.heartbeat_interval": c.Sync.HeartbeatInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	if c.Sync.HistoryLimit <= 0 {
		return fmt.Errorf("sync.history_limit must be positive")
	}
	return nil
}

func (s SyncConfig) TypingTimeoutDuration() time.Duration {
	return parseDurationOr(s.TypingTimeout, 3*time.Second)
}

func (s SyncConfig) SearchDebounceDuration() time.Duration {
	return parseDurationOr(s.SearchDebounce, 300*time.Millisecond)
}

func (s SyncConfig) HeartbeatDuration() time.Duration {
	return parseDurationOr(s.HeartbeatInterval, 25*time.Second)
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ============================================================================
// Paths
// ============================================================================

// Dir returns ~/.parley, creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ============================================================================
// Editing
// ============================================================================

// Save writes cfg to path as TOML. The file holds a bearer token, so it is
// only readable by the owner.
func Save(cfg *Config, path string) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ReadFile parses a config file without defaults or env overrides. A
// missing file yields an empty Config.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// Set sets a field using dot notation (e.g. "server.base_url").
func Set(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "base_url":
			cfg.Server.BaseURL = value
		case "ws_url":
			cfg.Server.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		case "email":
			cfg.Auth.Email = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "sync":
		switch field {
		case "typing_timeout", "search_debounce", "heartbeat_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			switch field {
			case "typing_timeout":
				cfg.Sync.TypingTimeout = value
			case "search_debounce":
				cfg.Sync.SearchDebounce = value
			default:
				cfg.Sync.HeartbeatInterval = value
			}
		case "history_limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			cfg.Sync.HistoryLimit = n
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, auth, log, sync)", section)
	}
	return nil
}
