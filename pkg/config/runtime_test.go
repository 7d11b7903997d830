package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	settings, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	defaults := DefaultSettings()
	if settings.StatePath != defaults.StatePath {
		t.Errorf("Expected state path %s, got %s", defaults.StatePath, settings.StatePath)
	}
	if settings.Parallelism != defaults.Parallelism {
		t.Errorf("Expected parallelism %d, got %d", defaults.Parallelism, settings.Parallelism)
	}
	if settings.LockTimeout.Std() != 10*time.Second {
		t.Errorf("Expected 10s lock timeout, got %s", settings.LockTimeout.Std())
	}
}

func TestLoadSettings_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".reify.yaml")
	src := `
state_path: custom.db
parallelism: 8
lock_timeout: 30s
provider_timeout: 2m
log:
  level: debug
  format: json
metrics:
  enabled: true
  listen: "127.0.0.1:9999"
ssh:
  host: files.internal
  user: deploy
  private_key_path: /home/deploy/.ssh/id_ed25519
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	if settings.StatePath != "custom.db" {
		t.Errorf("Expected state path custom.db, got %s", settings.StatePath)
	}
	if settings.Parallelism != 8 {
		t.Errorf("Expected parallelism 8, got %d", settings.Parallelism)
	}
	if settings.LockTimeout.Std() != 30*time.Second {
		t.Errorf("Expected 30s lock timeout, got %s", settings.LockTimeout.Std())
	}
	if settings.ProviderTimeout.Std() != 2*time.Minute {
		t.Errorf("Expected 2m provider timeout, got %s", settings.ProviderTimeout.Std())
	}
	if settings.Log.Level != "debug" || settings.Log.Format != "json" {
		t.Errorf("Expected debug/json logging, got %s/%s", settings.Log.Level, settings.Log.Format)
	}
	if !settings.Metrics.Enabled || settings.Metrics.Listen != "127.0.0.1:9999" {
		t.Errorf("Unexpected metrics settings: %+v", settings.Metrics)
	}
	if settings.SSH == nil || settings.SSH.Host != "files.internal" || settings.SSH.User != "deploy" {
		t.Errorf("Unexpected ssh settings: %+v", settings.SSH)
	}
}

func TestLoadSettings_InvalidValues(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"parallelism too high", "state_path: s.db\nparallelism: 128\nprovider_timeout: 1m\n"},
		{"bad log level", "state_path: s.db\nparallelism: 4\nprovider_timeout: 1m\nlog:\n  level: loud\n"},
		{"bad duration", "state_path: s.db\nparallelism: 4\nprovider_timeout: soon\n"},
		{"ssh missing user", "state_path: s.db\nparallelism: 4\nprovider_timeout: 1m\nssh:\n  host: h\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), ".reify.yaml")
			if err := os.WriteFile(path, []byte(tc.src), 0o644); err != nil {
				t.Fatalf("Failed to write settings: %v", err)
			}
			if _, err := LoadSettings(path); err == nil {
				t.Error("Expected an error for invalid settings")
			}
		})
	}
}
