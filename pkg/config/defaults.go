package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store/source-specific defaults are handled by their factories
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyAdminDefaults(&cfg.Admin)
	applyStoreDefaults(&cfg.Store)
	applyServicingDefaults(&cfg.Servicing)
	applyHiveDefaults(&cfg.Hive)
	applyImagesDefaults(&cfg.Images)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyAdminDefaults sets admin API defaults.
func applyAdminDefaults(cfg *AdminConfig) {
	// Enabled defaults to false: one-shot runs don't need the API

	if cfg.Listen == "" {
		cfg.Listen = ":8975"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyStoreDefaults sets batch store defaults.
func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if _, ok := cfg.Badger["path"]; !ok {
		cfg.Badger["path"] = filepath.Join(dataDir(), "store")
	}
}

// applyServicingDefaults sets native servicing defaults.
func applyServicingDefaults(cfg *ServicingConfig) {
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(dataDir(), "scratch")
	}
	if cfg.MountRoot == "" {
		cfg.MountRoot = filepath.Join(dataDir(), "mounts")
	}
	if cfg.DismPath == "" {
		cfg.DismPath = "dism.exe"
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	// MountsPerSecond defaults to 0 (unlimited)
	// MountBurst defaults to 0 (same as rate)
}

// applyHiveDefaults sets hive mutation defaults.
func applyHiveDefaults(cfg *HiveConfig) {
	if cfg.RegPath == "" {
		cfg.RegPath = "reg.exe"
	}
	if cfg.UnloadRetries == 0 {
		cfg.UnloadRetries = 3
	}
	if cfg.UnloadRetryDelay == 0 {
		cfg.UnloadRetryDelay = 300 * time.Millisecond
	}
}

// applyImagesDefaults sets image source defaults.
func applyImagesDefaults(cfg *ImagesConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

// dataDir is the base directory for stores, scratch space, and mount points.
func dataDir() string {
	if programData := os.Getenv("ProgramData"); programData != "" {
		return filepath.Join(programData, "wimforge")
	}
	return filepath.Join(os.TempDir(), "wimforge")
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
