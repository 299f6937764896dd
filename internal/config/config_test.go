// ABOUTME: Tests for YAML config loading, env expansion, duration parsing, validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validConfig = `
server:
  http_addr: "localhost:9090"

database:
  path: "/tmp/engine.db"

auth:
  jwt_secret: "secret"
  token_ttl: "6h"

settlement:
  url: "http://localhost:7000"
  timeout: "10s"

billing:
  interval: "30s"
  batch_size: 50
  max_catch_up: 6
  fee_bps: 100
  max_manual_limit: 500

logging:
  level: "debug"
  format: "json"
`

func TestLoad(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/engine.db", cfg.Database.Path)
	assert.Equal(t, 6*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 10*time.Second, cfg.Settlement.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Billing.Interval)
	assert.Equal(t, 50, cfg.Billing.BatchSize)
	assert.Equal(t, int64(100), cfg.Billing.FeeBps)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/engine.db"
settlement:
  url: "http://localhost:7000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, time.Minute, cfg.Billing.Interval)
	assert.Equal(t, 100, cfg.Billing.BatchSize)
	assert.Equal(t, 12, cfg.Billing.MaxCatchUp)
	assert.Equal(t, 512, cfg.Audit.Capacity)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_ENGINE_SECRET", "from-env")

	path := writeConfig(t, `
database:
  path: "/tmp/engine.db"
settlement:
  url: "http://localhost:7000"
auth:
  jwt_secret: "${TEST_ENGINE_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/engine.db"
settlement:
  url: "http://localhost:7000"
billing:
  interval: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing.interval")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"missing settlement url", func(c *Config) { c.Settlement.URL = "" }, "settlement.url"},
		{"fee out of range", func(c *Config) { c.Billing.FeeBps = 10001 }, "fee_bps"},
		{"zero batch size", func(c *Config) { c.Billing.BatchSize = 0 }, "batch_size"},
		{"manual limit below batch", func(c *Config) { c.Billing.MaxManualLimit = 1 }, "max_manual_limit"},
		{"tailscale without hostname", func(c *Config) {
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = ""
		}, "tailscale.hostname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Database.Path = "/tmp/engine.db"
			cfg.Settlement.URL = "http://localhost:7000"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
