package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr == "" {
		t.Fatal("expected a non-empty default listen address")
	}
	if cfg.LocalCIDLength != 8 {
		t.Fatalf("LocalCIDLength = %d, want 8", cfg.LocalCIDLength)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want \"info\"", cfg.LogLevel)
	}
}

func TestLoadConfigFillsDefaultsForZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "cert_file: /tmp/cert.pem\nkey_file: /tmp/key.pem\nrequire_retry: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != DefaultConfig().ListenAddr {
		t.Fatalf("ListenAddr = %q, want the default", cfg.ListenAddr)
	}
	if cfg.LocalCIDLength != DefaultConfig().LocalCIDLength {
		t.Fatalf("LocalCIDLength = %d, want the default", cfg.LocalCIDLength)
	}
	if cfg.LogLevel != DefaultConfig().LogLevel {
		t.Fatalf("LogLevel = %q, want the default", cfg.LogLevel)
	}
	if !cfg.RequireRetry {
		t.Fatal("expected require_retry from the file to survive default-filling")
	}
	if cfg.CertFile != "/tmp/cert.pem" {
		t.Fatalf("CertFile = %q, want /tmp/cert.pem", cfg.CertFile)
	}
}

func TestLoadConfigPreservesExplicitOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "listen_addr: 127.0.0.1:9999\nlocal_cid_length: 16\nlog_level: debug\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("ListenAddr = %q, want 127.0.0.1:9999", cfg.ListenAddr)
	}
	if cfg.LocalCIDLength != 16 {
		t.Fatalf("LocalCIDLength = %d, want 16", cfg.LocalCIDLength)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error reading a nonexistent config file")
	}
}

func TestTransportParamsOverridesOnlyNonZeroFields(t *testing.T) {
	cfg := DefaultConfig()
	defaults := cfg.transportParams()

	cfg.MaxIdleTimeout = 5 * time.Second
	cfg.InitialMaxData = 1234
	overridden := cfg.transportParams()

	if overridden.MaxIdleTimeout != 5*time.Second {
		t.Fatalf("MaxIdleTimeout = %v, want 5s", overridden.MaxIdleTimeout)
	}
	if overridden.InitialMaxData != 1234 {
		t.Fatalf("InitialMaxData = %d, want 1234", overridden.InitialMaxData)
	}
	if overridden.InitialMaxStreamsBidi != defaults.InitialMaxStreamsBidi {
		t.Fatalf("InitialMaxStreamsBidi changed unexpectedly: got %d, want %d",
			overridden.InitialMaxStreamsBidi, defaults.InitialMaxStreamsBidi)
	}
	if overridden.InitialMaxStreamsUni != defaults.InitialMaxStreamsUni {
		t.Fatalf("InitialMaxStreamsUni changed unexpectedly: got %d, want %d",
			overridden.InitialMaxStreamsUni, defaults.InitialMaxStreamsUni)
	}
}
