package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(LoaderOptions{ConfigDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.ListenAddr != ":8443" {
		t.Errorf("ListenAddr = %q, want %q", cfg.Server.ListenAddr, ":8443")
	}
	if cfg.Session.HandshakeTimeout != 5*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 5s", cfg.Session.HandshakeTimeout)
	}
	if cfg.Auth.Type != "allow_all" {
		t.Errorf("Auth.Type = %q, want allow_all", cfg.Auth.Type)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "default.yaml")
	contents := "server:\n  listen_addr: \":9000\"\nauth:\n  type: jwt\n  secret_env: KALANDRA_TEST_SECRET\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.Server.ListenAddr)
	}
	if cfg.Auth.Type != "jwt" {
		t.Errorf("Auth.Type = %q, want jwt", cfg.Auth.Type)
	}
	// Untouched fields still get defaults.
	if cfg.Session.IdleTimeout != 10*time.Second {
		t.Errorf("IdleTimeout = %v, want 10s", cfg.Session.IdleTimeout)
	}
}

func TestApplyEnvironmentOverridesTakesPriority(t *testing.T) {
	os.Setenv("KALANDRA_LISTEN_ADDR", ":7777")
	defer os.Unsetenv("KALANDRA_LISTEN_ADDR")

	cfg := &Config{}
	setDefaults(cfg)
	ApplyEnvironmentOverrides(cfg)

	if cfg.Server.ListenAddr != ":7777" {
		t.Errorf("ListenAddr = %q, want :7777", cfg.Server.ListenAddr)
	}
}

func TestSecretFromEnv(t *testing.T) {
	os.Setenv("KALANDRA_TEST_SECRET", "s3cr3t")
	defer os.Unsetenv("KALANDRA_TEST_SECRET")

	auth := AuthConfig{Type: "jwt", SecretEnv: "KALANDRA_TEST_SECRET"}
	if got := string(auth.SecretFromEnv()); got != "s3cr3t" {
		t.Errorf("SecretFromEnv() = %q, want s3cr3t", got)
	}

	empty := AuthConfig{}
	if got := empty.SecretFromEnv(); got != nil {
		t.Errorf("SecretFromEnv() = %v, want nil", got)
	}
}
