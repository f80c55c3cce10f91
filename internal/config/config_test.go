package config

import (
	"testing"
	"time"
)

func TestLoadRequiresBaseURL(t *testing.T) {
	t.Setenv("OFFLINE_BASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when OFFLINE_BASE_URL is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OFFLINE_BASE_URL", "https://api.example.com")
	t.Setenv("OFFLINE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CacheBucket != "dynamic-v2" {
		t.Errorf("CacheBucket = %q, want dynamic-v2", cfg.CacheBucket)
	}
	if cfg.Freshness != 5*time.Minute {
		t.Errorf("Freshness = %v, want 5m", cfg.Freshness)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.LoginMaxAge != 168*time.Hour {
		t.Errorf("LoginMaxAge = %v, want 168h", cfg.LoginMaxAge)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OFFLINE_BASE_URL", "https://api.example.com")
	t.Setenv("OFFLINE_DATA_DIR", t.TempDir())
	t.Setenv("OFFLINE_FRESHNESS", "30s")
	t.Setenv("OFFLINE_APP_VERSION", "2.3.1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Freshness != 30*time.Second {
		t.Errorf("Freshness = %v, want 30s", cfg.Freshness)
	}
	if cfg.AppVersion != "2.3.1" {
		t.Errorf("AppVersion = %q, want 2.3.1", cfg.AppVersion)
	}
}
