// ABOUTME: Configuration loading for the fake-ledger development server
// ABOUTME: Loads TOML config with environment variable expansion

package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Chaos   ChaosConfig   `toml:"chaos"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

// LedgerConfig seeds external accounts and reject-lists destinations the
// ledger refuses transfers to.
type LedgerConfig struct {
	Accounts map[string]int64 `toml:"accounts"`
	Rejected []string         `toml:"rejected"`
}

// ChaosConfig injects latency and failures so the engine's retry and
// compensation paths can be exercised locally.
type ChaosConfig struct {
	LatencyMs   int     `toml:"latency_ms"`
	FailureRate float64 `toml:"failure_rate"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// DefaultConfig returns a config suitable for local development.
func DefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Addr: "localhost:9090"},
		Ledger:  LedgerConfig{Accounts: map[string]int64{}},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks that config fields are sane.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Chaos.FailureRate < 0 || c.Chaos.FailureRate > 1 {
		return fmt.Errorf("chaos.failure_rate must be between 0 and 1, got %g", c.Chaos.FailureRate)
	}
	if c.Chaos.LatencyMs < 0 {
		return fmt.Errorf("chaos.latency_ms must not be negative")
	}
	for account, balance := range c.Ledger.Accounts {
		if balance < 0 {
			return fmt.Errorf("ledger.accounts[%s] must not be negative, got %d", account, balance)
		}
	}
	return nil
}
