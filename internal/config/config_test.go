package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("driver = %q", cfg.DatabaseDriver)
	}
	if cfg.Broker != "memory" {
		t.Errorf("broker = %q", cfg.Broker)
	}
	if cfg.MaxConcurrentRuns <= 0 {
		t.Error("max concurrent runs not set")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{"listen_addr": ":9090", "database_driver": "postgres", "broker": "redis", "redis_addr": "redis:6379"}`
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLMCTL_LISTEN_ADDR", ":7070")
	t.Setenv("LLMCTL_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// env wins over file
	if cfg.ListenAddr != ":7070" {
		t.Errorf("listen addr = %q, want :7070", cfg.ListenAddr)
	}
	// file wins over default
	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.DatabaseDriver)
	}
	if !cfg.HasRedis() {
		t.Error("redis broker not detected")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default()
	cfg.ListenAddr = ":8443"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ListenAddr != ":8443" {
		t.Errorf("round trip listen addr = %q", loaded.ListenAddr)
	}
}

func TestDSNDefault(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/tmp/llmctl-test"
	dsn := cfg.DSN()
	if dsn == "" || dsn == cfg.DatabaseDSN {
		t.Errorf("dsn = %q", dsn)
	}

	cfg.DatabaseDSN = "postgres://u:p@host/db"
	if cfg.DSN() != "postgres://u:p@host/db" {
		t.Errorf("explicit dsn not honored: %q", cfg.DSN())
	}
}
