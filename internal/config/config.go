// Package config handles configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the offline layer and its local HTTP front need.
type Config struct {
	// BaseURL is the remote API every request is issued against.
	BaseURL string `env:"OFFLINE_BASE_URL"`
	// DataDir roots the cache bucket, the write-queue store and the
	// session markers. Defaults to ~/.cadenza.
	DataDir     string        `env:"OFFLINE_DATA_DIR"`
	CacheBucket string        `env:"OFFLINE_CACHE_BUCKET" envDefault:"dynamic-v2"`
	Freshness   time.Duration `env:"OFFLINE_FRESHNESS" envDefault:"5m"`
	// PollInterval is the network monitor's fixed re-check period.
	PollInterval time.Duration `env:"OFFLINE_NET_POLL" envDefault:"5s"`
	// RetryInterval paces the built-in background-sync wake-ups.
	RetryInterval time.Duration `env:"OFFLINE_SYNC_RETRY" envDefault:"30s"`
	LoginMaxAge   time.Duration `env:"OFFLINE_LOGIN_MAX_AGE" envDefault:"168h"`
	AppVersion    string        `env:"OFFLINE_APP_VERSION" envDefault:"dev"`
	// ListenAddr is where cmd/offlineproxy serves the local front.
	ListenAddr string `env:"OFFLINE_LISTEN_ADDR" envDefault:"127.0.0.1:8475"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OFFLINE_BASE_URL is required")
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".cadenza")
	}
	return &cfg, nil
}
