package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "3000" {
		t.Errorf("expected default port 3000, got %q", cfg.Port)
	}
	if cfg.Pause.Duration != 60*time.Minute {
		t.Errorf("expected 60m pause, got %v", cfg.Pause.Duration)
	}
	if cfg.Queue.Tick != 2*time.Second {
		t.Errorf("expected 2s queue tick, got %v", cfg.Queue.Tick)
	}
	if cfg.Session.PairingMaxAttempts != 5 {
		t.Errorf("expected 5 pairing attempts, got %d", cfg.Session.PairingMaxAttempts)
	}
	if cfg.Session.ReconnectDelay != 3*time.Second {
		t.Errorf("expected 3s reconnect delay, got %v", cfg.Session.ReconnectDelay)
	}
	if cfg.WebhookEnabled() {
		t.Error("expected webhook to be disabled without WEBHOOK_URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAUSE_MINUTES", "15")
	t.Setenv("QUEUE_TICK", "500")
	t.Setenv("RECONNECT_DELAY", "5s")
	t.Setenv("AUTH_BACKEND", "SQLite")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("WEBHOOK_URL", "https://hooks.example/in")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Pause.Duration != 15*time.Minute {
		t.Errorf("expected 15m, got %v", cfg.Pause.Duration)
	}
	if cfg.Queue.Tick != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %v", cfg.Queue.Tick)
	}
	if cfg.Session.ReconnectDelay != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.Session.ReconnectDelay)
	}
	if cfg.AuthBackend != AuthBackendSQLite {
		t.Errorf("expected sqlite backend, got %q", cfg.AuthBackend)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins: %v", cfg.AllowedOrigins)
	}
	if !cfg.WebhookEnabled() {
		t.Error("expected webhook to be enabled")
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("AUTH_BACKEND", "redis")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown auth backend")
	}
}

func TestValidateRejectsBadWebhookFormat(t *testing.T) {
	t.Setenv("WEBHOOK_FORMAT", "xml")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown webhook format")
	}
}
