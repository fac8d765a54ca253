package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Storage.EnableCompression {
		t.Error("Expected Storage.EnableCompression=true")
	}
	if cfg.Storage.SegmentRollBytes != 67_108_864 {
		t.Errorf("Expected SegmentRollBytes=64MiB, got %d", cfg.Storage.SegmentRollBytes)
	}
	if cfg.Storage.MaxMemoriesPerUser != 10_000 {
		t.Errorf("Expected MaxMemoriesPerUser=10000, got %d", cfg.Storage.MaxMemoriesPerUser)
	}

	if !cfg.Decay.AutoDecayEnabled {
		t.Error("Expected Decay.AutoDecayEnabled=true")
	}
	if cfg.Decay.IntervalHours != 24 {
		t.Errorf("Expected IntervalHours=24, got %d", cfg.Decay.IntervalHours)
	}
	if cfg.Decay.ImportanceThreshold != 0.3 {
		t.Errorf("Expected ImportanceThreshold=0.3, got %v", cfg.Decay.ImportanceThreshold)
	}
	if cfg.Decay.DefaultMemoryTTLHours != 720 {
		t.Errorf("Expected DefaultMemoryTTLHours=720, got %d", cfg.Decay.DefaultMemoryTTLHours)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected Logging.Level=info, got %s", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}, expectErr: false},
		{
			name:      "empty storage path",
			modify:    func(c *Config) { c.Storage.Path = "" },
			expectErr: true,
		},
		{
			name:      "negative max memories per user",
			modify:    func(c *Config) { c.Storage.MaxMemoriesPerUser = -1 },
			expectErr: true,
		},
		{
			name:      "zero segment roll bytes",
			modify:    func(c *Config) { c.Storage.SegmentRollBytes = 0 },
			expectErr: true,
		},
		{
			name:      "zero decay interval",
			modify:    func(c *Config) { c.Decay.IntervalHours = 0 },
			expectErr: true,
		},
		{
			name:      "importance threshold out of range",
			modify:    func(c *Config) { c.Decay.ImportanceThreshold = 1.5 },
			expectErr: true,
		},
		{
			name:      "compaction threshold out of range",
			modify:    func(c *Config) { c.Decay.CompactionThreshold = 0 },
			expectErr: true,
		},
		{
			name:      "invalid logging level",
			modify:    func(c *Config) { c.Logging.Level = "invalid" },
			expectErr: true,
		},
		{
			name:      "invalid logging format",
			modify:    func(c *Config) { c.Logging.Format = "invalid" },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		})
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	defer os.Setenv("HOME", oldHome)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Expected no error with missing config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected config, got nil")
	}
	if cfg.Decay.IntervalHours != 24 {
		t.Errorf("Expected default decay interval 24h, got %d", cfg.Decay.IntervalHours)
	}
}

func TestLoadConfig_WithFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  path: /tmp/mindcache-test
  enable_compression: false
  max_memories_per_user: 500
decay:
  auto_decay_enabled: false
  decay_interval_hours: 6
  importance_threshold: 0.2
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd) //nolint:errcheck
	_ = os.Chdir(tmpDir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Storage.Path != "/tmp/mindcache-test" {
		t.Errorf("Expected storage path=/tmp/mindcache-test, got %s", cfg.Storage.Path)
	}
	if cfg.Storage.EnableCompression {
		t.Error("Expected EnableCompression=false")
	}
	if cfg.Storage.MaxMemoriesPerUser != 500 {
		t.Errorf("Expected MaxMemoriesPerUser=500, got %d", cfg.Storage.MaxMemoriesPerUser)
	}
	if cfg.Decay.AutoDecayEnabled {
		t.Error("Expected AutoDecayEnabled=false")
	}
	if cfg.Decay.IntervalHours != 6 {
		t.Errorf("Expected IntervalHours=6, got %d", cfg.Decay.IntervalHours)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected level=debug, got %s", cfg.Logging.Level)
	}
}

func TestEnsureStorageDir(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &Config{Storage: StorageConfig{Path: filepath.Join(tmpDir, "subdir", "data")}}

	if err := cfg.EnsureStorageDir(); err != nil {
		t.Fatalf("EnsureStorageDir failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, "subdir", "data")); os.IsNotExist(err) {
		t.Error("Storage directory was not created")
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}

	homeDir, _ := os.UserHomeDir()
	expected := filepath.Join(homeDir, ".mindcache")
	if path != expected {
		t.Errorf("Expected %s, got %s", expected, path)
	}
}

func TestDataPath(t *testing.T) {
	if got := DataPath(); got != "./mindcache_data" {
		t.Errorf("DataPath() = %q, want %q (§6 default storage_path)", got, "./mindcache_data")
	}
}
