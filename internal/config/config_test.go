package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeFile(t, "t3shield.yaml", `
log_level: debug
upstream:
  base_url: https://exam.example.org/t3shield/api
cache:
  expiry: 2m
geography:
  policy: STRICT
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected debug log level, got %q", cfg.LogLevel)
	}
	if cfg.Cache.Expiry != 2*time.Minute {
		t.Fatalf("expected 2m expiry, got %s", cfg.Cache.Expiry)
	}
	if cfg.Geography.Policy != PolicyStrict {
		t.Fatalf("expected strict policy, got %q", cfg.Geography.Policy)
	}
	if cfg.Live.URL != "wss://exam.example.org/ws" {
		t.Fatalf("unexpected derived ws url: %q", cfg.Live.URL)
	}
	if cfg.Upstream.Paths.Analyses != "/analyses" {
		t.Fatalf("expected default analyses path, got %q", cfg.Upstream.Paths.Analyses)
	}
	if cfg.Store.RecentLimit != 1000 {
		t.Fatalf("expected default recent limit 1000, got %d", cfg.Store.RecentLimit)
	}
	if len(cfg.Filters.Operators) != 3 {
		t.Fatalf("expected default operators, got %v", cfg.Filters.Operators)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "t3shield.json", `{"upstream":{"base_url":"http://10.0.0.5:8000/api"},"live":{"enabled":false}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Live.Enabled {
		t.Fatalf("expected live disabled")
	}
	if cfg.Live.URL != "ws://10.0.0.5:8000/ws" {
		t.Fatalf("unexpected derived ws url: %q", cfg.Live.URL)
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Geography.Policy = "lenient"
	if err := Prepare(cfg); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func TestValidateRejectsKafkaWithoutTopic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Live.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"localhost:9092"}}
	if err := Prepare(cfg); err == nil {
		t.Fatalf("expected kafka validation error")
	}
}

func TestEmptyFileRejected(t *testing.T) {
	path := writeFile(t, "empty.yaml", "   \n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestManagerReloadsOnChange(t *testing.T) {
	path := writeFile(t, "t3shield.yaml", "log_level: info\n")
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.WriteFile(path, []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	needs, err := m.NeedsReload()
	if err != nil || !needs {
		t.Fatalf("expected reload needed, got %v %v", needs, err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "warn" || m.Get().LogLevel != "warn" {
		t.Fatalf("expected warn after reload")
	}
}

func TestStaticManagerNeverReloads(t *testing.T) {
	m := NewStaticManager(nil)
	needs, err := m.NeedsReload()
	if err != nil || needs {
		t.Fatalf("static manager should not need reload")
	}
	if m.Get().Upstream.BaseURL == "" {
		t.Fatalf("expected defaults")
	}
}
