package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := GetDefaultConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("expected default level INFO, got %s", cfg.Logging.Level)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("expected default store memory, got %s", cfg.Store.Type)
	}
	if cfg.Images.Type != "filesystem" {
		t.Errorf("expected default image source filesystem, got %s", cfg.Images.Type)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: debug
  output: stderr
admin:
  enabled: true
  listen: ":9000"
store:
  type: badger
  badger:
    path: /var/lib/wimforge/store
servicing:
  scratch_dir: /scratch
  mount_root: /mounts
  mounts_per_second: 2
  mount_burst: 4
  acquire_timeout: 10s
hive:
  unload_retries: 5
  unload_retry_delay: 500ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("log level should be normalized to uppercase, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stderr" {
		t.Errorf("expected output stderr, got %s", cfg.Logging.Output)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Listen != ":9000" {
		t.Errorf("admin config did not load: %+v", cfg.Admin)
	}
	if cfg.Store.Type != "badger" || cfg.Store.Badger["path"] != "/var/lib/wimforge/store" {
		t.Errorf("store config did not load: %+v", cfg.Store)
	}
	if cfg.Servicing.MountsPerSecond != 2 || cfg.Servicing.MountBurst != 4 {
		t.Errorf("servicing throttle did not load: %+v", cfg.Servicing)
	}
	if cfg.Servicing.AcquireTimeout != 10*time.Second {
		t.Errorf("acquire timeout did not load: %v", cfg.Servicing.AcquireTimeout)
	}
	if cfg.Hive.UnloadRetries != 5 || cfg.Hive.UnloadRetryDelay != 500*time.Millisecond {
		t.Errorf("hive config did not load: %+v", cfg.Hive)
	}

	// Unset sections still get defaults.
	if cfg.Hive.RegPath != "reg.exe" {
		t.Errorf("expected default reg path, got %s", cfg.Hive.RegPath)
	}
	if cfg.Servicing.DismPath != "dism.exe" {
		t.Errorf("expected default dism path, got %s", cfg.Servicing.DismPath)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: verbose
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject an invalid log level")
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "{not yaml")
	if _, err := Load(path); err == nil {
		t.Fatal("Load should reject malformed yaml")
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfigFile(t, `
logging:
  level: info
`)
	t.Setenv("WIMFORGE_LOGGING_LEVEL", "ERROR")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("environment variable should override the file, got %s", cfg.Logging.Level)
	}
}
