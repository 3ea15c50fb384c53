package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/cookiedomain"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/middleware"
	"github.com/platinummonkey/accounts/pkg/observability"
	"github.com/platinummonkey/accounts/pkg/sso"
	"github.com/platinummonkey/accounts/pkg/storage"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("config: invalid configuration")

// Config holds all application configuration. It is loaded once and passed
// explicitly to every constructor.
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Database      storage.PostgresConfig `yaml:"database"`
	Redis         storage.RedisConfig    `yaml:"redis"`
	Tokens        TokensConfig           `yaml:"tokens"`
	Cookies       cookiedomain.Config    `yaml:"cookies"`
	Provider      sso.Config             `yaml:"provider"`
	RBAC          RBACConfig             `yaml:"rbac"`
	Audit         audit.ArchiveConfig    `yaml:"audit_archive"`
	RateLimit     RateLimitConfig        `yaml:"rate_limit"`
	Observability ObservabilityConfig    `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// TrustedProxies lists the load balancer CIDRs whose X-Forwarded-For
	// is believed. Empty means the peer address is the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Proxies parses TrustedProxies
func (s ServerConfig) Proxies() (httputil.TrustedProxies, error) {
	return httputil.ParseTrustedProxies(s.TrustedProxies)
}

// TokensConfig holds signing and session settings
type TokensConfig struct {
	Issuer           string        `yaml:"issuer"`
	SigningKey       string        `yaml:"signing_key"`
	AccessTTL        time.Duration `yaml:"access_ttl"`
	RefreshTTL       time.Duration `yaml:"refresh_ttl"`
	ServiceTokenTTL  time.Duration `yaml:"service_token_ttl"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	SessionCookie    string        `yaml:"session_cookie"`
	RefreshCookie    string        `yaml:"refresh_cookie"`
	RefreshRetention time.Duration `yaml:"refresh_retention"`
	// ServiceAudiences may be requested on /auth/token besides the
	// audience of the host that serves the request
	ServiceAudiences []string `yaml:"service_audiences"`
}

// AuthConfig converts to the token service configuration
func (t TokensConfig) AuthConfig() auth.Config {
	return auth.Config{
		Issuer:          t.Issuer,
		SigningKey:      []byte(t.SigningKey),
		AccessTTL:       t.AccessTTL,
		RefreshTTL:      t.RefreshTTL,
		ServiceTokenTTL: t.ServiceTokenTTL,
		BcryptCost:      t.BcryptCost,
	}
}

// RBACConfig tunes the permission cache and assignment retention
type RBACConfig struct {
	PermissionCacheSize int           `yaml:"permission_cache_size"`
	PermissionCacheTTL  time.Duration `yaml:"permission_cache_ttl"`
	VersionTTL          time.Duration `yaml:"version_ttl"`
	AssignmentRetention time.Duration `yaml:"assignment_retention"`
	SweepSchedule       string        `yaml:"sweep_schedule"`
}

// RateLimitConfig limits the credential endpoints per client address
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// FailClosed rejects requests when the Redis limiter is unreachable
	FailClosed bool                         `yaml:"fail_closed"`
	Limits     middleware.RateLimitConfig `yaml:"limits"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Level parses LogLevel
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// Tracing converts to the tracer configuration
func (o ObservabilityConfig) Tracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
	}
}

// Default returns the configuration used before any file or environment
// override
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: storage.PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
			Timeout:  5 * time.Second,
		},
		Tokens: TokensConfig{
			Issuer:           "accounts",
			AccessTTL:        15 * time.Minute,
			RefreshTTL:       30 * 24 * time.Hour,
			ServiceTokenTTL:  time.Hour,
			SessionCookie:    "accounts_session",
			RefreshCookie:    "accounts_refresh",
			RefreshRetention: 7 * 24 * time.Hour,
		},
		Cookies: cookiedomain.Config{
			PlatformSuffixes: cookiedomain.DefaultPlatformSuffixes,
		},
		RBAC: RBACConfig{
			PermissionCacheSize: 10000,
			PermissionCacheTTL:  30 * time.Second,
			VersionTTL:          24 * time.Hour,
			AssignmentRetention: 30 * 24 * time.Hour,
			SweepSchedule:       "@hourly",
		},
		Audit: audit.ArchiveConfig{
			Prefix:       "audit",
			BatchSize:    1000,
			Schedule:     "@every 15m",
			SettleWindow: audit.DefaultSettleWindow,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limits:  middleware.DefaultRateLimitConfig(),
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "accounts",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// ACCOUNTS_CONFIG_FILE, then ACCOUNTS_* environment variables, and
// validates the result
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("ACCOUNTS_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("ACCOUNTS_HOST", s.Host)
	s.Port = getEnv("ACCOUNTS_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("ACCOUNTS_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("ACCOUNTS_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("ACCOUNTS_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("ACCOUNTS_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("ACCOUNTS_HEALTH_PORT", s.HealthPort)
	s.TrustedProxies = getEnvList("ACCOUNTS_TRUSTED_PROXIES", s.TrustedProxies)

	d := &c.Database
	d.URL = getEnv("ACCOUNTS_POSTGRES_URL", d.URL)
	d.MaxConns = getEnvInt("ACCOUNTS_POSTGRES_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt("ACCOUNTS_POSTGRES_MIN_CONNS", d.MinConns)
	d.Timeout = getEnvDuration("ACCOUNTS_POSTGRES_TIMEOUT", d.Timeout)

	r := &c.Redis
	r.URL = getEnv("ACCOUNTS_REDIS_URL", r.URL)
	r.Password = getEnv("ACCOUNTS_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("ACCOUNTS_REDIS_DB", r.DB)
	r.PoolSize = getEnvInt("ACCOUNTS_REDIS_POOL_SIZE", r.PoolSize)

	t := &c.Tokens
	t.Issuer = getEnv("ACCOUNTS_TOKEN_ISSUER", t.Issuer)
	t.SigningKey = getEnv("ACCOUNTS_SIGNING_KEY", t.SigningKey)
	t.AccessTTL = getEnvDuration("ACCOUNTS_ACCESS_TTL", t.AccessTTL)
	t.RefreshTTL = getEnvDuration("ACCOUNTS_REFRESH_TTL", t.RefreshTTL)
	t.ServiceTokenTTL = getEnvDuration("ACCOUNTS_SERVICE_TOKEN_TTL", t.ServiceTokenTTL)
	t.BcryptCost = getEnvInt("ACCOUNTS_BCRYPT_COST", t.BcryptCost)
	t.SessionCookie = getEnv("ACCOUNTS_SESSION_COOKIE", t.SessionCookie)
	t.RefreshCookie = getEnv("ACCOUNTS_REFRESH_COOKIE", t.RefreshCookie)
	t.RefreshRetention = getEnvDuration("ACCOUNTS_REFRESH_RETENTION", t.RefreshRetention)
	t.ServiceAudiences = getEnvList("ACCOUNTS_SERVICE_AUDIENCES", t.ServiceAudiences)

	k := &c.Cookies
	k.ApexDomain = getEnv("ACCOUNTS_COOKIE_APEX_DOMAIN", k.ApexDomain)
	k.PlatformSuffixes = getEnvList("ACCOUNTS_COOKIE_PLATFORM_SUFFIXES", k.PlatformSuffixes)
	if overrides := getEnv("ACCOUNTS_COOKIE_OVERRIDES", ""); overrides != "" {
		k.Overrides = parseOverrides(overrides)
	}

	p := &c.Provider
	p.IssuerURL = getEnv("ACCOUNTS_PROVIDER_ISSUER_URL", p.IssuerURL)
	p.ClientID = getEnv("ACCOUNTS_PROVIDER_CLIENT_ID", p.ClientID)
	p.ClientSecret = getEnv("ACCOUNTS_PROVIDER_CLIENT_SECRET", p.ClientSecret)
	p.RedirectURL = getEnv("ACCOUNTS_PROVIDER_REDIRECT_URL", p.RedirectURL)
	p.Scopes = getEnvList("ACCOUNTS_PROVIDER_SCOPES", p.Scopes)

	b := &c.RBAC
	b.PermissionCacheSize = getEnvInt("ACCOUNTS_PERMISSION_CACHE_SIZE", b.PermissionCacheSize)
	b.PermissionCacheTTL = getEnvDuration("ACCOUNTS_PERMISSION_CACHE_TTL", b.PermissionCacheTTL)
	b.AssignmentRetention = getEnvDuration("ACCOUNTS_ASSIGNMENT_RETENTION", b.AssignmentRetention)
	b.SweepSchedule = getEnv("ACCOUNTS_SWEEP_SCHEDULE", b.SweepSchedule)

	a := &c.Audit
	a.Bucket = getEnv("ACCOUNTS_AUDIT_ARCHIVE_BUCKET", a.Bucket)
	a.Prefix = getEnv("ACCOUNTS_AUDIT_ARCHIVE_PREFIX", a.Prefix)
	a.Region = getEnv("ACCOUNTS_AUDIT_ARCHIVE_REGION", a.Region)
	a.Endpoint = getEnv("ACCOUNTS_AUDIT_ARCHIVE_ENDPOINT", a.Endpoint)
	a.AccessKey = getEnv("ACCOUNTS_AUDIT_ARCHIVE_ACCESS_KEY", a.AccessKey)
	a.SecretKey = getEnv("ACCOUNTS_AUDIT_ARCHIVE_SECRET_KEY", a.SecretKey)
	a.UsePathStyle = getEnvBool("ACCOUNTS_AUDIT_ARCHIVE_PATH_STYLE", a.UsePathStyle)
	a.BatchSize = getEnvInt("ACCOUNTS_AUDIT_ARCHIVE_BATCH_SIZE", a.BatchSize)
	a.Schedule = getEnv("ACCOUNTS_AUDIT_ARCHIVE_SCHEDULE", a.Schedule)
	a.SettleWindow = getEnvDuration("ACCOUNTS_AUDIT_ARCHIVE_SETTLE_WINDOW", a.SettleWindow)

	l := &c.RateLimit
	l.Enabled = getEnvBool("ACCOUNTS_RATE_LIMIT_ENABLED", l.Enabled)
	l.FailClosed = getEnvBool("ACCOUNTS_RATE_LIMIT_FAIL_CLOSED", l.FailClosed)
	l.Limits.RequestsPerWindow = getEnvInt("ACCOUNTS_RATE_LIMIT_REQUESTS", l.Limits.RequestsPerWindow)
	l.Limits.WindowDuration = getEnvDuration("ACCOUNTS_RATE_LIMIT_WINDOW", l.Limits.WindowDuration)
	l.Limits.BurstSize = getEnvInt("ACCOUNTS_RATE_LIMIT_BURST", l.Limits.BurstSize)

	o := &c.Observability
	o.LogLevel = getEnv("ACCOUNTS_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("ACCOUNTS_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("ACCOUNTS_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("ACCOUNTS_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("ACCOUNTS_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("ACCOUNTS_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("ACCOUNTS_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks the configuration once at process start
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrInvalid)
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("%w: health port is required", ErrInvalid)
	}
	if _, err := c.Server.Proxies(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("%w: server port and health port must be different", ErrInvalid)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("%w: postgres URL is required", ErrInvalid)
	}

	if c.Tokens.Issuer == "" {
		return fmt.Errorf("%w: token issuer is required", ErrInvalid)
	}
	if len(c.Tokens.SigningKey) < auth.MinSigningKeyLength {
		return fmt.Errorf("%w: signing key must be at least %d bytes", ErrInvalid, auth.MinSigningKeyLength)
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return fmt.Errorf("%w: refresh TTL must exceed a positive access TTL", ErrInvalid)
	}
	if c.Tokens.SessionCookie == "" || c.Tokens.SessionCookie == c.Tokens.RefreshCookie {
		return fmt.Errorf("%w: session and refresh cookies need distinct names", ErrInvalid)
	}

	if err := c.Cookies.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if err := validSchedule(c.RBAC.SweepSchedule); err != nil {
		return fmt.Errorf("%w: sweep schedule: %v", ErrInvalid, err)
	}
	if c.Audit.Enabled() {
		if err := validSchedule(c.Audit.Schedule); err != nil {
			return fmt.Errorf("%w: audit archive schedule: %v", ErrInvalid, err)
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.Limits.RequestsPerWindow <= 0 {
		return fmt.Errorf("%w: rate limit requests must be positive", ErrInvalid)
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("%w: OpenTelemetry endpoint is required when OTel is enabled", ErrInvalid)
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("%w: OpenTelemetry service name is required when OTel is enabled", ErrInvalid)
		}
	}
	return nil
}

func validSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := cron.ParseStandard(spec)
	return err
}

// parseOverrides reads "host=domain,*.suffix=host-only"
func parseOverrides(value string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		host, domain, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || host == "" || domain == "" {
			continue
		}
		out[strings.TrimSpace(host)] = strings.TrimSpace(domain)
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
