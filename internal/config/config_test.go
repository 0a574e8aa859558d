package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	t.Setenv("ARIA_API_BASE_URL", "http://127.0.0.1:8000/")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIBaseURL != "http://127.0.0.1:8000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.APIBaseURL)
	}
	if cfg.ListenAddr != "127.0.0.1:7788" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.Engine != "hls" {
		t.Fatalf("unexpected engine %q", cfg.Engine)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", cfg.HeartbeatInterval)
	}
	if cfg.QuotaPollInterval != 60*time.Second {
		t.Fatalf("unexpected quota poll interval %s", cfg.QuotaPollInterval)
	}
	if cfg.MaxLoadRestarts != 3 {
		t.Fatalf("unexpected max load restarts %d", cfg.MaxLoadRestarts)
	}
	if len(cfg.InternalKeyHosts) != 2 || cfg.InternalKeyHosts[0] != "localhost:8000" {
		t.Fatalf("unexpected internal hosts %v", cfg.InternalKeyHosts)
	}
}

func TestLoadFromEnv_MissingBaseURLFails(t *testing.T) {
	t.Setenv("ARIA_API_BASE_URL", "")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing ARIA_API_BASE_URL")
	}
}

func TestLoadFromEnv_RejectsUnknownEngine(t *testing.T) {
	t.Setenv("ARIA_API_BASE_URL", "http://127.0.0.1:8000")
	t.Setenv("ARIA_ENGINE", "gstreamer")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("ARIA_API_BASE_URL", "http://music.internal")
	t.Setenv("ARIA_ENGINE", "fake")
	t.Setenv("ARIA_HEARTBEAT_SECONDS", "2")
	t.Setenv("ARIA_MAX_LOAD_RESTARTS", "5")
	t.Setenv("ARIA_INTERNAL_KEY_HOSTS", "media.internal:8000")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine != "fake" {
		t.Fatalf("unexpected engine %q", cfg.Engine)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Fatalf("unexpected heartbeat interval %s", cfg.HeartbeatInterval)
	}
	if cfg.MaxLoadRestarts != 5 {
		t.Fatalf("unexpected max load restarts %d", cfg.MaxLoadRestarts)
	}
	if len(cfg.InternalKeyHosts) != 1 || cfg.InternalKeyHosts[0] != "media.internal:8000" {
		t.Fatalf("unexpected internal hosts %v", cfg.InternalKeyHosts)
	}
}

func TestParsePositiveIntEnv_IgnoresGarbage(t *testing.T) {
	t.Setenv("ARIA_TEST_INT", "not-a-number")
	if got := ParsePositiveIntEnv("ARIA_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}
	t.Setenv("ARIA_TEST_INT", "-3")
	if got := ParsePositiveIntEnv("ARIA_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default for negative value, got %d", got)
	}
}
