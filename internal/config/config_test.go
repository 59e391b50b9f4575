package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 8080 || cfg.GetAddress() != ":8080" {
		t.Errorf("unexpected port %d / address %s", cfg.Port, cfg.GetAddress())
	}
	if cfg.Ingest.BatchSize != 5 || cfg.Ingest.UpdateInterval != 15*time.Minute {
		t.Errorf("unexpected ingest defaults: %+v", cfg.Ingest)
	}
	if cfg.Workers != (WorkersConfig{Email: 5, SMS: 3, Push: 5}) {
		t.Errorf("unexpected worker defaults: %+v", cfg.Workers)
	}
	if cfg.SMTP.Port != 587 || cfg.SMTP.Timeout != 30*time.Second || cfg.Registry.TTL != 5*time.Minute {
		t.Errorf("unexpected smtp/registry defaults: %+v %v", cfg.SMTP, cfg.Registry.TTL)
	}
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "breachscope.yaml")
	content := `port: 9090
db_path: /var/lib/breachscope/store.db
ingest:
  update_interval: 30m
workers:
  sms: 1
enrich:
  blocked_domains: [paywalled.example]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	t.Setenv("BREACHSCOPE_PORT", "7070")
	t.Setenv("BREACHSCOPE_QUEUE_PATH", "/tmp/jobs.db")
	t.Setenv("BREACHSCOPE_INGEST_FETCH_TIMEOUT", "5s")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"env overrides file", cfg.Port, 7070},
		{"file value", cfg.DBPath, "/var/lib/breachscope/store.db"},
		{"nested env key", cfg.Queue.Path, "/tmp/jobs.db"},
		{"env duration", cfg.Ingest.FetchTimeout, 5 * time.Second},
		{"file duration", cfg.Ingest.UpdateInterval, 30 * time.Minute},
		{"file nested int", cfg.Workers.SMS, 1},
		{"default kept", cfg.Workers.Email, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
	if len(cfg.Enrich.BlockedDomains) != 1 || cfg.Enrich.BlockedDomains[0] != "paywalled.example" {
		t.Errorf("unexpected blocked domains %v", cfg.Enrich.BlockedDomains)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"port out of range", "BREACHSCOPE_PORT", "70000"},
		{"zero batch", "BREACHSCOPE_INGEST_BATCH_SIZE", "0"},
		{"interval too short", "BREACHSCOPE_INGEST_UPDATE_INTERVAL", "10s"},
		{"negative workers", "BREACHSCOPE_WORKERS_PUSH", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.env, tt.val)
			if _, err := Load(New(), ""); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.val)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BREACHSCOPE_TEST_DOTENV=loaded\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("BREACHSCOPE_TEST_DOTENV", "")
	os.Unsetenv("BREACHSCOPE_TEST_DOTENV")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("BREACHSCOPE_TEST_DOTENV"); got != "loaded" {
		t.Errorf("expected dotenv value, got %q", got)
	}
}
