package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// envBindings lists every key that PARLEY_* environment variables may
// override. Viper's Unmarshal ignores env vars for nested keys unless they
// are bound explicitly.
var envBindings = []string{
	"server.base_url",
	"server.ws_url",
	"auth.token",
	"auth.user_id",
	"auth.email",
	"log.level",
	"log.format",
	"sync.typing_timeout",
	"sync.search_debounce",
	"sync.heartbeat_interval",
	"sync.history_limit",
}

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Load loads configuration with precedence defaults < config file < env vars.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v
	v.SetConfigType("toml")
	v.SetEnvPrefix("PARLEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("server.base_url", cfg.Server.BaseURL)
	v.SetDefault("server.ws_url", cfg.Server.WSURL)
	v.SetDefault("auth.token", cfg.Auth.Token)
	v.SetDefault("auth.user_id", cfg.Auth.UserID)
	v.SetDefault("auth.email", cfg.Auth.Email)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("sync.typing_timeout", cfg.Sync.TypingTimeout)
	v.SetDefault("sync.search_debounce", cfg.Sync.SearchDebounce)
	v.SetDefault("sync.heartbeat_interval", cfg.Sync.HeartbeatInterval)
	v.SetDefault("sync.history_limit", cfg.Sync.HistoryLimit)

	for _, key := range envBindings {
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()
}

// loadConfigFile reads the config file. A missing default file is not an
// error; a missing explicit file is.
func (l *Loader) loadConfigFile() error {
	path := l.configFile
	explicit := path != ""
	if !explicit {
		p, err := Path()
		if err != nil {
			return nil
		}
		path = p
	}
	l.v.SetConfigFile(path)

	if err := l.v.ReadInConfig(); err != nil {
		if !explicit && isNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads ~/.parley/config.toml merged with defaults and env.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}
