package config

import (
	"os"
	"path/filepath"
	"testing"

	cliproxyauth "github.com/opencred/oauth-broker/sdk/cliproxy/auth"
)

func writeYAML(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "broker.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(t.TempDir(), "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(t.TempDir(), "data"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.ProactiveRefreshEnabled {
		t.Error("ProactiveRefreshEnabled default = false, want true")
	}
	if cfg.RefreshBufferMs != 60_000 {
		t.Errorf("RefreshBufferMs = %d, want 60000", cfg.RefreshBufferMs)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.LeaseMs != 120_000 {
		t.Errorf("LeaseMs = %d, want 120000", cfg.LeaseMs)
	}
	if cfg.FailureCooldownMs != 30_000 {
		t.Errorf("FailureCooldownMs = %d, want 30000", cfg.FailureCooldownMs)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	yamlPath := writeYAML(t, dir, `
refreshBufferMs: 15000
quietMode: true
rotationStrategy: hybrid
maxAttempts: 5
`)

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RefreshBufferMs != 15000 {
		t.Errorf("RefreshBufferMs = %d, want 15000", cfg.RefreshBufferMs)
	}
	if !cfg.QuietMode {
		t.Error("QuietMode = false, want true")
	}
	if cfg.RotationStrategy != cliproxyauth.PolicyHybrid {
		t.Errorf("RotationStrategy = %q, want hybrid", cfg.RotationStrategy)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	yamlPath := writeYAML(t, dir, `refreshBufferMs: 15000`)
	t.Setenv(envRefreshBufferMs, "9000")
	t.Setenv(envQuiet, "true")

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RefreshBufferMs != 9000 {
		t.Errorf("RefreshBufferMs = %d, want 9000 (env overrides yaml)", cfg.RefreshBufferMs)
	}
	if !cfg.QuietMode {
		t.Error("QuietMode = false, want true (from env)")
	}
}

func TestLoad_RejectsRelativeXDGPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "relative/path")

	if _, err := Load(""); err == nil {
		t.Fatal("Load() error = nil, want error for relative XDG_CONFIG_HOME")
	}
}

func TestLoad_RejectsUnknownRotationStrategy(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	yamlPath := writeYAML(t, dir, `rotationStrategy: not-a-real-strategy`)

	if _, err := Load(yamlPath); err == nil {
		t.Fatal("Load() error = nil, want error for unrecognized rotationStrategy")
	}
}

func TestLoad_RejectsNegativeDuration(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	yamlPath := writeYAML(t, dir, `leaseMs: -1`)

	if _, err := Load(yamlPath); err == nil {
		t.Fatal("Load() error = nil, want error for negative leaseMs")
	}
}
