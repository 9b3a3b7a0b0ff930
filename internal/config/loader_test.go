package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Channel.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.Channel.MaxAttempts)
	}
	if cfg.Channel.PingInterval != 15*time.Second {
		t.Errorf("PingInterval = %s, want 15s", cfg.Channel.PingInterval)
	}
	if cfg.Queue.RetryCeiling != 5 {
		t.Errorf("RetryCeiling = %d, want 5", cfg.Queue.RetryCeiling)
	}
	if cfg.Sync.DataDir == "" {
		t.Error("DataDir not defaulted")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `version: "1"
server:
  url: https://api.example.com
channel:
  max_attempts: 3
  base_delay: 2s
queue:
  retry_ceiling: 7
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config failed: %v", err)
	}

	cfg := DefaultConfig()
	if err := loadFile(path, cfg); err != nil {
		t.Fatalf("loadFile() failed: %v", err)
	}

	if cfg.Server.URL != "https://api.example.com" {
		t.Errorf("URL = %q", cfg.Server.URL)
	}
	if cfg.Channel.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Channel.MaxAttempts)
	}
	if cfg.Channel.BaseDelay != 2*time.Second {
		t.Errorf("BaseDelay = %s, want 2s", cfg.Channel.BaseDelay)
	}
	if cfg.Queue.RetryCeiling != 7 {
		t.Errorf("RetryCeiling = %d, want 7", cfg.Queue.RetryCeiling)
	}
	// Untouched keys keep defaults.
	if cfg.Channel.PingInterval != 15*time.Second {
		t.Errorf("PingInterval = %s, want default 15s", cfg.Channel.PingInterval)
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}

	cfg := DefaultConfig()
	if err := loadFile(path, cfg); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
	if cfg.Channel.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d after round trip", cfg.Channel.MaxAttempts)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CREWDECK_SERVER_URL", "https://env.example.com/")
	t.Setenv("CREWDECK_SERVER_TOKEN", "env-token")

	cfg := DefaultConfig()
	applyEnv(cfg)

	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("URL = %q, want trailing slash trimmed", cfg.Server.URL)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Server.Token)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.DataDir = "/tmp/crewdeck-test"

	if got := cfg.DatabasePath(); got != filepath.Join("/tmp/crewdeck-test", "crewdeck.db") {
		t.Errorf("DatabasePath() = %q", got)
	}
	if got := cfg.NoticeDir(); got != filepath.Join("/tmp/crewdeck-test", "notices") {
		t.Errorf("NoticeDir() = %q", got)
	}
}
