package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/accounts/pkg/observability"
)

const testKey = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := Default()
	cfg.Database.URL = "postgres://localhost/accounts?sslmode=disable"
	cfg.Tokens.SigningKey = testKey
	return cfg
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "1")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty")
	t.Setenv("TEST_DUR", "90s")
	t.Setenv("TEST_LIST", " a, b ,,c")

	assert.Equal(t, "custom", getEnv("TEST_STR", "default"))
	assert.Equal(t, "default", getEnv("TEST_UNSET", "default"))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 7, getEnvInt("TEST_BAD_INT", 7))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, []string{"a", "b", "c"}, getEnvList("TEST_LIST", nil))
	assert.Equal(t, []string{"x"}, getEnvList("TEST_UNSET", []string{"x"}))
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ACCOUNTS_POSTGRES_URL", "postgres://db/accounts")
	t.Setenv("ACCOUNTS_SIGNING_KEY", testKey)
	t.Setenv("ACCOUNTS_PORT", "8181")
	t.Setenv("ACCOUNTS_ACCESS_TTL", "5m")
	t.Setenv("ACCOUNTS_COOKIE_APEX_DOMAIN", "teamified.com")
	t.Setenv("ACCOUNTS_COOKIE_OVERRIDES", "legacy.teamified.com=host-only, bad-pair")
	t.Setenv("ACCOUNTS_LOG_LEVEL", "debug")
	t.Setenv("ACCOUNTS_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1")
	t.Setenv("ACCOUNTS_SERVICE_AUDIENCES", "reports.internal")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "postgres://db/accounts", cfg.Database.URL)
	assert.Equal(t, 5*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, "teamified.com", cfg.Cookies.ApexDomain)
	assert.Equal(t, map[string]string{"legacy.teamified.com": "host-only"}, cfg.Cookies.Overrides)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.Level())
	assert.Equal(t, []byte(testKey), cfg.Tokens.AuthConfig().SigningKey)
	assert.Equal(t, []string{"reports.internal"}, cfg.Tokens.ServiceAudiences)
	proxies, err := cfg.Server.Proxies()
	require.NoError(t, err)
	assert.Len(t, proxies, 2)
}

func TestLoadConfigFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
database:
  url: postgres://file/accounts
tokens:
  signing_key: `+testKey+`
  refresh_ttl: 48h
cookies:
  apex_domain: teamified.com
  overrides:
    "*.staging.teamified.com": staging.teamified.com
provider:
  issuer_url: https://login.example.com
  client_id: accounts
rate_limit:
  enabled: true
  limits:
    requests_per_window: 5
    window: 30s
audit_archive:
  bucket: audit-exports
  schedule: "0 * * * *"
`), 0o600))

	t.Setenv("ACCOUNTS_CONFIG_FILE", path)
	t.Setenv("ACCOUNTS_PORT", "7100")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7100", cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, "9090", cfg.Server.HealthPort, "defaults survive a partial file")
	assert.Equal(t, "postgres://file/accounts", cfg.Database.URL)
	assert.Equal(t, 48*time.Hour, cfg.Tokens.RefreshTTL)
	assert.Equal(t, 15*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, "staging.teamified.com", cfg.Cookies.Overrides["*.staging.teamified.com"])
	assert.True(t, cfg.Provider.Enabled())
	assert.Equal(t, 5, cfg.RateLimit.Limits.RequestsPerWindow)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.Limits.WindowDuration)
	assert.True(t, cfg.Audit.Enabled())
	assert.Equal(t, "audit", cfg.Audit.Prefix)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("ACCOUNTS_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
		t.Setenv("ACCOUNTS_CONFIG_FILE", path)
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("invalid result", func(t *testing.T) {
		t.Setenv("ACCOUNTS_SIGNING_KEY", "short")
		t.Setenv("ACCOUNTS_POSTGRES_URL", "postgres://db/accounts")
		_, err := LoadConfig()
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no port", mutate: func(c *Config) { c.Server.Port = "" }},
		{name: "same ports", mutate: func(c *Config) { c.Server.HealthPort = c.Server.Port }},
		{name: "bad trusted proxy", mutate: func(c *Config) { c.Server.TrustedProxies = []string{"lb.internal"} }},
		{name: "no database", mutate: func(c *Config) { c.Database.URL = "" }},
		{name: "no issuer", mutate: func(c *Config) { c.Tokens.Issuer = "" }},
		{name: "short signing key", mutate: func(c *Config) { c.Tokens.SigningKey = "short" }},
		{name: "refresh shorter than access", mutate: func(c *Config) { c.Tokens.RefreshTTL = time.Minute }},
		{name: "cookie names collide", mutate: func(c *Config) { c.Tokens.RefreshCookie = c.Tokens.SessionCookie }},
		{name: "apex is a public suffix", mutate: func(c *Config) { c.Cookies.ApexDomain = "replit.app" }},
		{name: "provider over http", mutate: func(c *Config) {
			c.Provider.IssuerURL = "http://login.example.com"
			c.Provider.ClientID = "accounts"
		}},
		{name: "bad sweep schedule", mutate: func(c *Config) { c.RBAC.SweepSchedule = "every tuesday" }},
		{name: "bad archive schedule", mutate: func(c *Config) {
			c.Audit.Bucket = "exports"
			c.Audit.Schedule = "* *"
		}},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.Limits.RequestsPerWindow = 0 }},
		{name: "otel without endpoint", mutate: func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelEndpoint = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestArchiveScheduleIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Audit.Schedule = "not a schedule"
	assert.NoError(t, cfg.Validate())
}
