package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// SyncConfig holds synchronization tuning knobs. Loaded from a JSON file when
// SYNC_CONFIG_PATH is set, otherwise defaults apply.
type SyncConfig struct {
	// ============ SCHEDULING ============
	AutoSyncEnabled  bool `json:"auto_sync_enabled"`
	AutoSyncInterval int  `json:"auto_sync_interval"` // seconds
	SyncOnStartup    bool `json:"sync_on_startup"`

	// ============ LIMITS ============
	PushBatchSize  int `json:"push_batch_size"`
	PullPageSize   int `json:"pull_page_size"`
	RequestTimeout int `json:"request_timeout"` // seconds

	// ============ ENTITIES ============
	EntityTypes []string `json:"entity_types"` // empty = all registered kinds

	// ============ REALTIME ============
	RealtimeEnabled bool `json:"realtime_enabled"` // websocket sync hints from the server
}

// DefaultSyncConfig returns the sync tuning defaults
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		AutoSyncEnabled:  true,
		AutoSyncInterval: 300, // 5 minutes
		SyncOnStartup:    true,
		PushBatchSize:    100,
		PullPageSize:     200,
		RequestTimeout:   30,
		RealtimeEnabled:  true,
	}
}

// LoadSyncConfig loads sync configuration from file or defaults
func LoadSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()

	configPath := os.Getenv("SYNC_CONFIG_PATH")
	if configPath == "" {
		return cfg
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("⚠️ Sync config: cannot read %s, using defaults: %v", configPath, err)
		return cfg
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("⚠️ Sync config: invalid JSON in %s, using defaults: %v", configPath, err)
		return DefaultSyncConfig()
	}

	if cfg.AutoSyncInterval <= 0 {
		cfg.AutoSyncInterval = 300
	}
	if cfg.PushBatchSize <= 0 {
		cfg.PushBatchSize = 100
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = 200
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30
	}

	return cfg
}

// Interval returns the auto-sync interval as a duration
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.AutoSyncInterval) * time.Second
}

// Timeout returns the per-request timeout as a duration
func (c *SyncConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}
