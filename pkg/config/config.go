package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete wimforge configuration.
//
// This structure captures all configurable aspects of the daemon including:
//   - Logging configuration
//   - Admin HTTP API settings
//   - Batch store selection and configuration (store-specific)
//   - Native servicing settings (mount throttling, lease timeouts)
//   - Offline hive mutation settings
//   - Image source selection and configuration (source-specific)
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (WIMFORGE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store/source implementation defines its own option set. The Config
// struct contains type-specific sections (e.g. store.badger, images.s3) and
// only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Admin contains the admin HTTP API settings
	Admin AdminConfig `mapstructure:"admin"`

	// Store specifies the batch store type and type-specific configuration
	Store StoreConfig `mapstructure:"store"`

	// Servicing contains native imaging stack settings
	Servicing ServicingConfig `mapstructure:"servicing"`

	// Hive contains offline registry hive settings
	Hive HiveConfig `mapstructure:"hive"`

	// Images specifies the image source type and type-specific configuration
	Images ImagesConfig `mapstructure:"images"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// AdminConfig contains the admin HTTP API settings.
type AdminConfig struct {
	// Enabled turns the admin API (batch management + metrics) on
	Enabled bool `mapstructure:"enabled"`

	// Listen is the address the admin API binds to (e.g. ":8975")
	Listen string `mapstructure:"listen"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// StoreConfig specifies batch store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific configuration section is used.
type StoreConfig struct {
	// Type specifies which batch store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// ServicingConfig contains native imaging stack settings.
type ServicingConfig struct {
	// ScratchDir is where staged images and temporary files live
	ScratchDir string `mapstructure:"scratch_dir" validate:"required"`

	// MountRoot is the directory image mount points are created under
	MountRoot string `mapstructure:"mount_root" validate:"required"`

	// DismPath is the dism.exe binary invoked for native calls
	DismPath string `mapstructure:"dism_path" validate:"required"`

	// MountsPerSecond throttles native mount attempts (0 = unlimited)
	MountsPerSecond uint `mapstructure:"mounts_per_second"`

	// MountBurst is the mount throttle burst capacity
	MountBurst uint `mapstructure:"mount_burst"`

	// AcquireTimeout bounds the wait for a contended image lease
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" validate:"required,gt=0"`
}

// HiveConfig contains offline registry hive settings.
type HiveConfig struct {
	// RegPath is the reg.exe binary used for hive load/unload and edits
	RegPath string `mapstructure:"reg_path" validate:"required"`

	// UnloadRetries is how many unload attempts are made before a hive is
	// declared stuck
	UnloadRetries int `mapstructure:"unload_retries" validate:"required,gte=1"`

	// UnloadRetryDelay is the pause between unload attempts
	UnloadRetryDelay time.Duration `mapstructure:"unload_retry_delay" validate:"required,gt=0"`
}

// ImagesConfig specifies image source configuration.
//
// The Type field determines which source implementation is used.
// Only the corresponding type-specific configuration section is used.
type ImagesConfig struct {
	// Type specifies which image source implementation to use
	// Valid values: filesystem, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem s3"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (WIMFORGE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the WIMFORGE_ prefix and underscores
	// Example: WIMFORGE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("WIMFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is acceptable - defaults apply
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "wimforge")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "wimforge")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
