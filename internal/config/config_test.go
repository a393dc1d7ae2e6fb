package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eventflow.yaml")
	raw := `
listen_addr: ":9090"
treasury: "vault"
api_tokens:
  - alpha
  - beta
meter_events: true
throttle:
  rps: 10
  burst: 20
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" || cfg.Treasury != "vault" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.APITokens) != 2 || cfg.APITokens[0] != "alpha" {
		t.Fatalf("unexpected tokens %v", cfg.APITokens)
	}
	if !cfg.MeterEvents {
		t.Fatal("expected metering enabled")
	}
	if cfg.Throttle.RPS != 10 || cfg.Throttle.Burst != 20 {
		t.Fatalf("unexpected throttle %+v", cfg.Throttle)
	}
	// Unset fields keep their defaults.
	if cfg.AuditLimit != 200 {
		t.Fatalf("unexpected audit limit %d", cfg.AuditLimit)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "eventflow.yaml")
	if err := os.WriteFile(path, []byte(`listen_addr: ":9090"`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("EVENTFLOW_LISTEN_ADDR", ":7070")
	t.Setenv("EVENTFLOW_DATABASE_URL", "postgres://db/eventflow")
	t.Setenv("EVENTFLOW_API_TOKENS", "one, two,")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Fatalf("unexpected listen addr %s", cfg.ListenAddr)
	}
	if cfg.DatabaseURL != "postgres://db/eventflow" {
		t.Fatalf("unexpected database url %s", cfg.DatabaseURL)
	}
	if len(cfg.APITokens) != 2 || cfg.APITokens[1] != "two" {
		t.Fatalf("unexpected tokens %v", cfg.APITokens)
	}
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("EVENTFLOW_LISTEN_ADDR", "")
	cfg := LoadOrDefault()
	if cfg.ListenAddr != ":8080" || cfg.Treasury != "platform" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
