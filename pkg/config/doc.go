// Package config loads the service configuration.
//
// Values come from three layers, later layers winning: built-in defaults,
// the YAML file named by ACCOUNTS_CONFIG_FILE, then ACCOUNTS_* environment
// variables. The result is validated once by LoadConfig and then treated as
// immutable.
//
// Server settings:
//
//	ACCOUNTS_HOST="0.0.0.0"
//	ACCOUNTS_PORT="8080"
//	ACCOUNTS_HEALTH_PORT="9090"
//	ACCOUNTS_READ_TIMEOUT="15s"
//
// Storage:
//
//	ACCOUNTS_POSTGRES_URL="postgres://localhost/accounts"   # required
//	ACCOUNTS_REDIS_URL="redis://localhost:6379/0"          # optional
//
// Tokens and cookies:
//
//	ACCOUNTS_SIGNING_KEY="..."            # required, 32+ bytes
//	ACCOUNTS_TOKEN_ISSUER="accounts"
//	ACCOUNTS_ACCESS_TTL="15m"
//	ACCOUNTS_REFRESH_TTL="720h"
//	ACCOUNTS_COOKIE_APEX_DOMAIN="teamified.com"
//	ACCOUNTS_COOKIE_OVERRIDES="legacy.teamified.com=host-only"
//
// Upstream provider:
//
//	ACCOUNTS_PROVIDER_ISSUER_URL="https://login.example.com"
//	ACCOUNTS_PROVIDER_CLIENT_ID="accounts"
//	ACCOUNTS_PROVIDER_CLIENT_SECRET="..."
//	ACCOUNTS_PROVIDER_REDIRECT_URL="https://accounts.teamified.com/auth/provider/callback"
//
// Background jobs use cron syntax:
//
//	ACCOUNTS_SWEEP_SCHEDULE="@hourly"
//	ACCOUNTS_AUDIT_ARCHIVE_BUCKET="audit-exports"
//	ACCOUNTS_AUDIT_ARCHIVE_SCHEDULE="@every 15m"
//
// Observability:
//
//	ACCOUNTS_LOG_LEVEL="info"
//	ACCOUNTS_OTEL_ENABLED="false"
//	ACCOUNTS_OTEL_ENDPOINT="localhost:4317"
package config
