// Package app assembles the accounts services from configuration. Both the
// server and the operator CLI build on it so they share one wiring.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/accounts/pkg/api"
	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/config"
	"github.com/platinummonkey/accounts/pkg/cookiedomain"
	"github.com/platinummonkey/accounts/pkg/guard"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/jobs"
	"github.com/platinummonkey/accounts/pkg/middleware"
	"github.com/platinummonkey/accounts/pkg/observability"
	"github.com/platinummonkey/accounts/pkg/rbac"
	"github.com/platinummonkey/accounts/pkg/sso"
	"github.com/platinummonkey/accounts/pkg/storage"
)

// App holds every long-lived dependency of the service
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	DB    *sql.DB
	Redis *redis.Client

	Identity   *identity.Resolver
	Roles      *rbac.Engine
	Tokens     *auth.Service
	AuditStore audit.Store
	Audit      *audit.Trail
	Cookies    *cookiedomain.Resolver
	Proxies    httputil.TrustedProxies
	Guard      *guard.Guard
	// Provider is nil when no identity provider is configured
	Provider *sso.Exchanger
	// Archiver is nil when no archive bucket is configured
	Archiver *audit.Archiver
}

// Open connects to Postgres and, when configured, Redis, then builds the
// services on top. The caller owns Close.
func Open(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Cookies:  cookiedomain.NewResolver(cfg.Cookies),
	}
	a.Metrics = observability.NewMetrics(a.Registry)

	db, err := storage.OpenPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.DB = db

	if cfg.Redis.URL != "" {
		client, err := storage.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	proxies, err := cfg.Server.Proxies()
	if err != nil {
		return err
	}
	a.Proxies = proxies

	a.Identity = identity.NewResolver(identity.NewPostgresStore(a.DB), a.Logger,
		identity.WithBcryptCost(cfg.Tokens.BcryptCost))

	var versions rbac.VersionSource = rbac.NewLocalVersions()
	if a.Redis != nil {
		versions = rbac.NewRedisVersions(a.Redis, "", cfg.RBAC.VersionTTL)
	}
	a.Roles = rbac.NewEngine(rbac.NewPostgresStore(a.DB), a.Logger,
		rbac.WithVersionSource(versions),
		rbac.WithPermissionCache(cfg.RBAC.PermissionCacheSize, cfg.RBAC.PermissionCacheTTL),
		rbac.WithMetrics(a.Metrics),
	)

	tokenStore := auth.NewPostgresStore(a.DB)
	tokens, err := auth.NewService(cfg.Tokens.AuthConfig(), tokenStore, tokenStore, a.Identity, a.Roles, a.Logger,
		auth.WithMetrics(a.Metrics))
	if err != nil {
		return err
	}
	a.Tokens = tokens

	a.AuditStore = audit.NewPostgresStore(a.DB)
	a.Audit = audit.NewTrail(a.AuditStore, a.Logger, audit.WithMetrics(a.Metrics))

	a.Guard = guard.New(a.Tokens, a.Roles, a.Cookies, a.Audit, a.Logger,
		guard.WithMetrics(a.Metrics),
		guard.WithSessionCookie(cfg.Tokens.SessionCookie),
	)

	if cfg.Provider.Enabled() {
		provider, err := sso.NewExchanger(ctx, cfg.Provider, a.Identity, a.Tokens, a.Logger, sso.WithMetrics(a.Metrics))
		if err != nil {
			return fmt.Errorf("failed to configure identity provider: %w", err)
		}
		a.Provider = provider
	}

	if cfg.Audit.Enabled() {
		client, err := audit.NewS3Client(ctx, cfg.Audit)
		if err != nil {
			return err
		}
		a.Archiver = audit.NewArchiver(a.AuditStore, client, cfg.Audit, a.Logger, a.Metrics)
	}
	return nil
}

// Migrate applies pending schema migrations in dependency order
func (a *App) Migrate(ctx context.Context) (int, error) {
	return storage.Migrate(ctx, a.DB,
		identity.Migrations(),
		rbac.Migrations(),
		auth.Migrations(),
		audit.Migrations(),
	)
}

// RateLimiter builds the credential-endpoint limiter, or nil when disabled.
// Instances share one budget through Redis when it is configured; the
// in-process fallback evicts idle buckets until ctx is done.
func (a *App) RateLimiter(ctx context.Context) *middleware.RateLimitMiddleware {
	rl := a.Config.RateLimit
	if !rl.Enabled {
		return nil
	}
	var limiter middleware.Limiter
	if a.Redis != nil {
		limiter = middleware.NewDistributedRateLimiter(a.Redis, rl.Limits, "")
	} else {
		local := middleware.NewRateLimiter(rl.Limits)
		local.StartCleanup(ctx, a.Logger)
		limiter = local
	}
	var opts []middleware.RateLimitOption
	if rl.FailClosed {
		opts = append(opts, middleware.FailClosed())
	}
	return middleware.NewRateLimitMiddleware(limiter, a.Logger, opts...)
}

// Server builds the HTTP API
func (a *App) Server(limiter *middleware.RateLimitMiddleware) *api.Server {
	deps := api.Dependencies{
		Identity: a.Identity,
		Roles:    a.Roles,
		Tokens:   a.Tokens,
		Audit:    a.Audit,
		Cookies:  a.Cookies,
		Guard:    a.Guard,
		SessionCookies: api.SessionCookies{
			Access:  a.Config.Tokens.SessionCookie,
			Refresh: a.Config.Tokens.RefreshCookie,
		},
		AccessTTL:        a.Config.Tokens.AccessTTL,
		ServiceAudiences: a.Config.Tokens.ServiceAudiences,
		TrustedProxies:   a.Proxies,
		RateLimiter:      limiter,
		Logger:           a.Logger,
		Metrics:          a.Metrics,
	}
	if a.Provider != nil {
		deps.Provider = a.Provider
	}
	return api.NewServer(deps)
}

// Jobs lists the maintenance jobs
func (a *App) Jobs() []jobs.Job {
	cfg := a.Config
	list := []jobs.Job{
		jobs.SweepJob("rbac-sweep", cfg.RBAC.SweepSchedule, a.Roles, cfg.RBAC.AssignmentRetention, a.Logger),
		jobs.SweepJob("refresh-sweep", cfg.RBAC.SweepSchedule, a.Tokens, cfg.Tokens.RefreshRetention, a.Logger),
	}
	if a.Archiver != nil {
		list = append(list, jobs.ArchiveJob(cfg.Audit.Schedule, a.Archiver))
	}
	return list
}

// Close releases the connections
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
