package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRequiresServerURL(t *testing.T) {
	t.Setenv("SYNC_SERVER_URL", "")

	if _, err := Load(); err == nil {
		t.Error("Load should fail without SYNC_SERVER_URL")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_SERVER_URL", "https://sync.example.com")
	t.Setenv("PORT", "")
	t.Setenv("DB_DRIVER", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if cfg.Port != "3001" {
		t.Errorf("Expected default port 3001, got %q", cfg.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Expected sqlite default, got %q", cfg.Database.Driver)
	}
	if cfg.Auth.RefreshURL != "https://sync.example.com/auth/refresh" {
		t.Errorf("Refresh URL should derive from the server URL, got %q", cfg.Auth.RefreshURL)
	}
}

func TestSyncConfigDefaults(t *testing.T) {
	t.Setenv("SYNC_CONFIG_PATH", "")

	cfg := LoadSyncConfig()
	if cfg.Interval() != 5*time.Minute {
		t.Errorf("Expected 5 minute interval, got %v", cfg.Interval())
	}
	if cfg.PushBatchSize != 100 || cfg.PullPageSize != 200 {
		t.Errorf("Unexpected batch defaults: %d / %d", cfg.PushBatchSize, cfg.PullPageSize)
	}
	if !cfg.AutoSyncEnabled || !cfg.SyncOnStartup {
		t.Error("Auto sync and sync-on-startup should default on")
	}
}

func TestSyncConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	content := `{"auto_sync_interval": 60, "push_batch_size": 25, "realtime_enabled": false}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg := LoadSyncConfig()
	if cfg.Interval() != time.Minute {
		t.Errorf("Expected 1 minute interval, got %v", cfg.Interval())
	}
	if cfg.PushBatchSize != 25 {
		t.Errorf("Expected batch size 25, got %d", cfg.PushBatchSize)
	}
	if cfg.RealtimeEnabled {
		t.Error("Realtime should be disabled by the file")
	}

	// Broken knobs fall back instead of breaking sync
	if err := os.WriteFile(path, []byte(`{"push_batch_size": -5}`), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	cfg = LoadSyncConfig()
	if cfg.PushBatchSize != 100 {
		t.Errorf("Negative batch size should fall back to default, got %d", cfg.PushBatchSize)
	}
}
