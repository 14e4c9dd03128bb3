package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromBytesAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
server:
  http:
    addr: "127.0.0.1:9999"
`))
	if err != nil {
		t.Fatalf("LoadFromBytes: %v", err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:9999" {
		t.Fatalf("addr = %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Auth.Type != "none" {
		t.Fatalf("auth.type default = %q", cfg.Auth.Type)
	}
	if cfg.Auth.APIKey.HeaderName != "X-API-Key" {
		t.Fatalf("header default = %q", cfg.Auth.APIKey.HeaderName)
	}
	if cfg.Ledger.Hash.Algorithm != "sha256" {
		t.Fatalf("hash algorithm default = %q", cfg.Ledger.Hash.Algorithm)
	}
	if cfg.Ledger.Mirror.MaxSizeMB != 100 || cfg.Ledger.Mirror.MaxBackups != 3 {
		t.Fatalf("mirror defaults = %+v", cfg.Ledger.Mirror)
	}
	if cfg.Policies.Default != "default" {
		t.Fatalf("policies.default = %q", cfg.Policies.Default)
	}
	if cfg.Approvals.DefaultTimeout != "30m" {
		t.Fatalf("approvals.default_timeout = %q", cfg.Approvals.DefaultTimeout)
	}
	if cfg.Health.Path != "/health" || cfg.Health.ReadinessPath != "/ready" {
		t.Fatalf("health defaults = %+v", cfg.Health)
	}
}

func TestLoadFromBytesValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad auth type", "auth:\n  type: saml\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad hash algorithm", "ledger:\n  hash:\n    algorithm: md5\n"},
		{"api_key without keys_file", "auth:\n  type: api_key\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tc.body)); err == nil {
				t.Fatalf("want validation error for %s", tc.name)
			}
		})
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("server:\n  http:\n    addr: \"0.0.0.0:1\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GATEKEEPER_HTTP_ADDR", "127.0.0.1:2222")
	t.Setenv("GATEKEEPER_DATA_DIR", "/data/gk")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTP.Addr != "127.0.0.1:2222" {
		t.Fatalf("addr = %q", cfg.Server.HTTP.Addr)
	}
	if cfg.Ledger.SQLitePath != filepath.Join("/data/gk", "ledger.db") {
		t.Fatalf("sqlite path = %q", cfg.Ledger.SQLitePath)
	}
	if cfg.Ledger.Mirror.Path != filepath.Join("/data/gk", "ledger.jsonl") {
		t.Fatalf("mirror path = %q", cfg.Ledger.Mirror.Path)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("want error for missing file")
	}
}
