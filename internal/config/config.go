// ABOUTME: Configuration loading and parsing for rookery-engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete rookery-engine configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Operator   OperatorConfig   `yaml:"operator"`
	Settlement SettlementConfig `yaml:"settlement"`
	Billing    BillingConfig    `yaml:"billing"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds the operator API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration for the operator API
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve over tailnet TLS certs
	Funnel    bool   `yaml:"funnel"` // enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// OperatorConfig holds operator login configuration. AdminID is the
// identity the login endpoint mints tokens for.
type OperatorConfig struct {
	PasswordHash string `yaml:"password_hash"`
	AdminID      string `yaml:"admin_id"`
}

// SettlementConfig holds the external ledger client configuration
type SettlementConfig struct {
	URL       string  `yaml:"url"`
	CallRate  float64 `yaml:"call_rate"`
	CallBurst int     `yaml:"call_burst"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// BillingConfig holds the scheduler parameters
type BillingConfig struct {
	BatchSize      int   `yaml:"batch_size"`
	MaxCatchUp     int   `yaml:"max_catch_up"`
	FeeBps         int64 `yaml:"fee_bps"`
	MaxManualLimit int   `yaml:"max_manual_limit"`

	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// AuditConfig holds the audit ring buffer configuration
type AuditConfig struct {
	Capacity int `yaml:"capacity"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "localhost:8080"},
		Auth:   AuthConfig{TokenTTL: 12 * time.Hour},
		Settlement: SettlementConfig{
			Timeout:   30 * time.Second,
			CallRate:  10,
			CallBurst: 5,
		},
		Billing: BillingConfig{
			Interval:       time.Minute,
			BatchSize:      100,
			MaxCatchUp:     12,
			FeeBps:         100,
			MaxManualLimit: 1000,
		},
		Audit:   AuditConfig{Capacity: 512},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Settlement.URL == "" {
		return fmt.Errorf("settlement.url is required")
	}
	if c.Billing.FeeBps < 0 || c.Billing.FeeBps > 10000 {
		return fmt.Errorf("billing.fee_bps must be between 0 and 10000, got %d", c.Billing.FeeBps)
	}
	if c.Billing.BatchSize <= 0 {
		return fmt.Errorf("billing.batch_size must be positive, got %d", c.Billing.BatchSize)
	}
	if c.Billing.MaxManualLimit < c.Billing.BatchSize {
		return fmt.Errorf("billing.max_manual_limit must be at least billing.batch_size")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Billing.IntervalRaw != "" {
		cfg.Billing.Interval, err = time.ParseDuration(cfg.Billing.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing billing.interval %q: %w", cfg.Billing.IntervalRaw, err)
		}
	}

	if cfg.Settlement.TimeoutRaw != "" {
		cfg.Settlement.Timeout, err = time.ParseDuration(cfg.Settlement.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing settlement.timeout %q: %w", cfg.Settlement.TimeoutRaw, err)
		}
	}

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing auth.token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	return nil
}
