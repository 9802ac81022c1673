// Package config loads client configuration from env and an optional .env
// file using Viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds portal client configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the portal REST endpoint (e.g. http://localhost:8080).
	APIBaseURL string `mapstructure:"PORTAL_API_URL"`
	// SocketURL is the live channel endpoint (e.g. ws://localhost:8080/v1/ws).
	SocketURL string `mapstructure:"PORTAL_WS_URL"`
	// StatePath is where the persisted session record lives.
	StatePath string `mapstructure:"PORTAL_STATE_PATH"`
	// PageSize is the notification fetch page size (1..100).
	PageSize int `mapstructure:"PORTAL_PAGE_SIZE"`
	// RequestTimeout bounds REST calls (e.g. "30s").
	RequestTimeout string `mapstructure:"PORTAL_REQUEST_TIMEOUT"`
	// RetryAttempts bounds automatic channel reconnection.
	RetryAttempts int `mapstructure:"PORTAL_RETRY_ATTEMPTS"`
	// RetryDelay is the fixed wait between reconnection attempts (e.g. "3s").
	RetryDelay string `mapstructure:"PORTAL_RETRY_DELAY"`
	// ListenAddr is the devserver listen address.
	ListenAddr string `mapstructure:"PORTAL_LISTEN_ADDR"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored; env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("PORTAL_API_URL", "http://localhost:8080")
	v.SetDefault("PORTAL_WS_URL", "ws://localhost:8080/v1/ws")
	v.SetDefault("PORTAL_STATE_PATH", defaultStatePath())
	v.SetDefault("PORTAL_PAGE_SIZE", 10)
	v.SetDefault("PORTAL_REQUEST_TIMEOUT", "30s")
	v.SetDefault("PORTAL_RETRY_ATTEMPTS", 5)
	v.SetDefault("PORTAL_RETRY_DELAY", "3s")
	v.SetDefault("PORTAL_LISTEN_ADDR", ":8080")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: PORTAL_API_URL must be set")
	}
	if cfg.SocketURL == "" {
		return nil, errors.New("config: PORTAL_WS_URL must be set")
	}
	if cfg.PageSize < 1 || cfg.PageSize > 100 {
		return nil, errors.New("config: PORTAL_PAGE_SIZE must be between 1 and 100")
	}
	if cfg.RetryAttempts < 1 {
		return nil, errors.New("config: PORTAL_RETRY_ATTEMPTS must be at least 1")
	}

	return &cfg, nil
}

// Timeout parses RequestTimeout as a duration. Returns 30s if unset or invalid.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Delay parses RetryDelay as a duration. Returns 3s if unset or invalid.
func (c *Config) Delay() time.Duration {
	d, err := time.ParseDuration(c.RetryDelay)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "campusport", "session.json")
	}
	return filepath.Join(home, ".campusport", "session.json")
}
