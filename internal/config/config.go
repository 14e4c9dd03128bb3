package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Approvals ApprovalsConfig `yaml:"approvals"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

type ServerConfig struct {
	HTTP ServerHTTPConfig `yaml:"http"`
}

type ServerHTTPConfig struct {
	Addr string `yaml:"addr"`

	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type AuthConfig struct {
	Type   string           `yaml:"type"` // none|api_key
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // empty for stderr, else a file path
}

// LedgerConfig configures the durable hash chain and its optional JSONL
// mirror.
type LedgerConfig struct {
	SQLitePath string             `yaml:"sqlite_path"`
	Hash       LedgerHashConfig   `yaml:"hash"`
	Mirror     LedgerMirrorConfig `yaml:"mirror"`
}

type LedgerHashConfig struct {
	Algorithm string `yaml:"algorithm"` // sha256|hmac-sha256
	KeyFile   string `yaml:"key_file"`
	KeyEnv    string `yaml:"key_env"`
}

type LedgerMirrorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type PoliciesConfig struct {
	Dir          string `yaml:"dir"`
	Default      string `yaml:"default"`
	ManifestPath string `yaml:"manifest_path"`

	// Watch reloads the active document when its file changes on disk.
	Watch bool `yaml:"watch"`
}

type ApprovalsConfig struct {
	// DefaultTimeout applies to gates whose policy carries no timeout.
	DefaultTimeout string `yaml:"default_timeout"`
	SweepInterval  string `yaml:"sweep_interval"`
	// MaxPendingPerAgent caps one agent's simultaneously gated requests.
	// Zero disables the cap.
	MaxPendingPerAgent int `yaml:"max_pending_per_agent"`
}

// ExecutorConfig points at the external sandbox/test runner that performs
// allowed operations. Empty URL disables automatic execution; results then
// arrive via the result-report endpoint.
type ExecutorConfig struct {
	URL     string            `yaml:"url"`
	Timeout string            `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type HealthConfig struct {
	Path          string `yaml:"path"`
	ReadinessPath string `yaml:"readiness_path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = "127.0.0.1:8080"
	}
	if cfg.Server.HTTP.ReadTimeout == "" {
		cfg.Server.HTTP.ReadTimeout = "30s"
	}
	if cfg.Server.HTTP.WriteTimeout == "" {
		cfg.Server.HTTP.WriteTimeout = "5m"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Ledger.SQLitePath == "" {
		cfg.Ledger.SQLitePath = "/var/lib/gatekeeper/ledger.db"
	}
	if cfg.Ledger.Hash.Algorithm == "" {
		cfg.Ledger.Hash.Algorithm = "sha256"
	}
	if cfg.Ledger.Hash.KeyEnv == "" {
		cfg.Ledger.Hash.KeyEnv = "GATEKEEPER_LEDGER_KEY"
	}
	if cfg.Ledger.Mirror.Path == "" {
		cfg.Ledger.Mirror.Path = "/var/lib/gatekeeper/ledger.jsonl"
	}
	if cfg.Ledger.Mirror.MaxSizeMB == 0 {
		cfg.Ledger.Mirror.MaxSizeMB = 100
	}
	if cfg.Ledger.Mirror.MaxBackups == 0 {
		cfg.Ledger.Mirror.MaxBackups = 3
	}
	if cfg.Policies.Dir == "" {
		cfg.Policies.Dir = "/etc/gatekeeper/policies"
	}
	if cfg.Policies.Default == "" {
		cfg.Policies.Default = "default"
	}
	if cfg.Approvals.DefaultTimeout == "" {
		cfg.Approvals.DefaultTimeout = "30m"
	}
	if cfg.Approvals.SweepInterval == "" {
		cfg.Approvals.SweepInterval = "30s"
	}
	if cfg.Executor.Timeout == "" {
		cfg.Executor.Timeout = "10m"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/health"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/ready"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEKEEPER_HTTP_ADDR"); v != "" {
		cfg.Server.HTTP.Addr = v
	}
	if v := os.Getenv("GATEKEEPER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEKEEPER_POLICY_DIR"); v != "" {
		cfg.Policies.Dir = v
	}
	if v := os.Getenv("GATEKEEPER_EXECUTOR_URL"); v != "" {
		cfg.Executor.URL = v
	}
	if v := os.Getenv("GATEKEEPER_DATA_DIR"); v != "" {
		cfg.Ledger.SQLitePath = filepath.Join(v, "ledger.db")
		cfg.Ledger.Mirror.Path = filepath.Join(v, "ledger.jsonl")
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Auth.Type {
	case "none", "api_key":
	default:
		return fmt.Errorf("invalid auth.type %q", cfg.Auth.Type)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Ledger.Hash.Algorithm {
	case "sha256", "hmac-sha256":
	default:
		return fmt.Errorf("invalid ledger.hash.algorithm %q", cfg.Ledger.Hash.Algorithm)
	}
	if cfg.Auth.Type == "api_key" && cfg.Auth.APIKey.KeysFile == "" {
		return fmt.Errorf("auth.api_key.keys_file is required when auth.type is api_key")
	}
	return nil
}
