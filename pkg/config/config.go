package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Decay   DecayConfig   `mapstructure:"decay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// StorageConfig holds segment store and index configuration.
type StorageConfig struct {
	Path                 string `mapstructure:"path"`
	EnableCompression    bool   `mapstructure:"enable_compression"`
	CompressionThreshold int    `mapstructure:"compression_threshold_bytes"`
	SegmentRollBytes     int64  `mapstructure:"segment_roll_bytes"`
	MaxMemoriesPerUser   int    `mapstructure:"max_memories_per_user"`
	IndexSnapshotSeconds int    `mapstructure:"index_snapshot_interval_seconds"`
	AccessFlushSeconds   int    `mapstructure:"access_flush_interval_seconds"`
	CallTimeoutSeconds   int    `mapstructure:"call_timeout_seconds"`
}

// DecayConfig holds decay sweep configuration.
type DecayConfig struct {
	AutoDecayEnabled      bool    `mapstructure:"auto_decay_enabled"`
	IntervalHours         int     `mapstructure:"decay_interval_hours"`
	DefaultMemoryTTLHours int     `mapstructure:"default_memory_ttl_hours"`
	ImportanceThreshold   float64 `mapstructure:"importance_threshold"`
	CompactionThreshold   float64 `mapstructure:"compaction_threshold"`
	CompactionMinEvicted  int     `mapstructure:"compaction_min_evictions"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// DefaultConfig returns configuration with the engine's baked-in defaults
// (§6).
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:                 DataPath(),
			EnableCompression:    true,
			CompressionThreshold: 1024,
			SegmentRollBytes:     67_108_864,
			MaxMemoriesPerUser:   10_000,
			IndexSnapshotSeconds: 60,
			AccessFlushSeconds:   10,
			CallTimeoutSeconds:   5,
		},
		Decay: DecayConfig{
			AutoDecayEnabled:      true,
			IntervalHours:         24,
			DefaultMemoryTTLHours: 720,
			ImportanceThreshold:   0.3,
			CompactionThreshold:   0.5,
			CompactionMinEvicted:  1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from YAML file with fallback to defaults.
// Searches in multiple locations:
//  1. ./config.yaml (current directory)
//  2. ~/.mindcache/config.yaml (user home)
//  3. /etc/mindcache/config.yaml (system-wide)
func Load() (*Config, error) {
	v := viper.New()

	if explicit := os.Getenv("MINDCACHE_CONFIG"); explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigPath())
		v.AddConfigPath("/etc/mindcache")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg := &Config{}
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("storage.path", def.Storage.Path)
	v.SetDefault("storage.enable_compression", def.Storage.EnableCompression)
	v.SetDefault("storage.compression_threshold_bytes", def.Storage.CompressionThreshold)
	v.SetDefault("storage.segment_roll_bytes", def.Storage.SegmentRollBytes)
	v.SetDefault("storage.max_memories_per_user", def.Storage.MaxMemoriesPerUser)
	v.SetDefault("storage.index_snapshot_interval_seconds", def.Storage.IndexSnapshotSeconds)
	v.SetDefault("storage.access_flush_interval_seconds", def.Storage.AccessFlushSeconds)
	v.SetDefault("storage.call_timeout_seconds", def.Storage.CallTimeoutSeconds)

	v.SetDefault("decay.auto_decay_enabled", def.Decay.AutoDecayEnabled)
	v.SetDefault("decay.decay_interval_hours", def.Decay.IntervalHours)
	v.SetDefault("decay.default_memory_ttl_hours", def.Decay.DefaultMemoryTTLHours)
	v.SetDefault("decay.importance_threshold", def.Decay.ImportanceThreshold)
	v.SetDefault("decay.compaction_threshold", def.Decay.CompactionThreshold)
	v.SetDefault("decay.compaction_min_evictions", def.Decay.CompactionMinEvicted)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.MaxMemoriesPerUser < 0 {
		return fmt.Errorf("storage.max_memories_per_user must be >= 0")
	}
	if c.Storage.SegmentRollBytes <= 0 {
		return fmt.Errorf("storage.segment_roll_bytes must be > 0")
	}
	if c.Storage.CompressionThreshold < 0 {
		return fmt.Errorf("storage.compression_threshold_bytes must be >= 0")
	}
	if c.Storage.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("storage.call_timeout_seconds must be > 0")
	}

	if c.Decay.IntervalHours <= 0 {
		return fmt.Errorf("decay.decay_interval_hours must be > 0")
	}
	if c.Decay.ImportanceThreshold < 0 || c.Decay.ImportanceThreshold > 1 {
		return fmt.Errorf("decay.importance_threshold must be between 0 and 1")
	}
	if c.Decay.CompactionThreshold <= 0 || c.Decay.CompactionThreshold > 1 {
		return fmt.Errorf("decay.compaction_threshold must be between 0 (exclusive) and 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"console": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: console, json")
	}

	return nil
}

// EnsureStorageDir creates the storage directory if it doesn't exist.
func (c *Config) EnsureStorageDir() error {
	if err := os.MkdirAll(c.Storage.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the configuration directory.
func ConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mindcache")
}

// DataPath returns the default storage directory (§6: storage_path defaults
// to "./mindcache_data", relative to the working directory the engine is
// started from).
func DataPath() string {
	return "./mindcache_data"
}
