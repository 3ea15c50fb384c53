package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/accounts/pkg/audit"
	"github.com/platinummonkey/accounts/pkg/auth"
	"github.com/platinummonkey/accounts/pkg/cookiedomain"
	"github.com/platinummonkey/accounts/pkg/guard"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/identity"
	"github.com/platinummonkey/accounts/pkg/middleware"
	"github.com/platinummonkey/accounts/pkg/observability"
	"github.com/platinummonkey/accounts/pkg/rbac"
)

// ProviderExchanger is the upstream identity provider handoff. It is nil
// when no provider is configured.
type ProviderExchanger interface {
	Exchange(ctx context.Context, assertion, audience string) (*auth.SessionCredential, *identity.User, error)
	AuthCodeURL(state string) string
	ExchangeCode(ctx context.Context, code, audience string) (*auth.SessionCredential, *identity.User, error)
}

// SessionCookies names the cookies carrying the access and refresh tokens
type SessionCookies struct {
	Access  string
	Refresh string
}

// Dependencies are the services the API exposes
type Dependencies struct {
	Identity *identity.Resolver
	Roles    *rbac.Engine
	Tokens   *auth.Service
	Audit    *audit.Trail
	Cookies  *cookiedomain.Resolver
	Guard    *guard.Guard
	Provider ProviderExchanger

	SessionCookies SessionCookies
	AccessTTL      time.Duration
	// ServiceAudiences are the audiences a service client may request
	// other than the serving host's own
	ServiceAudiences []string
	// TrustedProxies are believed when they forward a client address
	TrustedProxies httputil.TrustedProxies
	// RateLimiter guards the credential endpoints; nil disables limiting
	RateLimiter *middleware.RateLimitMiddleware

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the accounts HTTP API
type Server struct {
	deps   Dependencies
	router *mux.Router
	logger *observability.Logger
}

// NewServer wires every route
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	if deps.SessionCookies.Access == "" {
		deps.SessionCookies.Access = "accounts_session"
	}
	if deps.SessionCookies.Refresh == "" {
		deps.SessionCookies.Refresh = "accounts_refresh"
	}
	if deps.AccessTTL <= 0 {
		deps.AccessTTL = 15 * time.Minute
	}

	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		logger: deps.Logger.WithComponent("api"),
	}
	s.router.Use(middleware.RequestID(s.logger, deps.TrustedProxies), middleware.Recovery(s.logger), deps.Metrics.HTTPMiddleware)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeNotFound(w, "route not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorCode(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	NewAuthHandlers(s).RegisterRoutes(s.router)
	NewIdentityHandlers(s).RegisterRoutes(s.router)
	NewRoleHandlers(s).RegisterRoutes(s.router)
	NewAuditHandlers(s).RegisterRoutes(s.router)
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router for additional mounts
func (s *Server) Router() *mux.Router {
	return s.router
}

// protect wraps h with the guard chain for policy
func (s *Server) protect(policy guard.Policy, h http.HandlerFunc) http.Handler {
	return s.deps.Guard.Chain(policy)(h)
}

// limited wraps h with the credential-endpoint rate limiter when configured
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.deps.RateLimiter == nil {
		return h
	}
	return s.deps.RateLimiter.Handler(h)
}

// record writes an audit entry on behalf of the request's principal. Audit
// failures are logged and never fail the request that already succeeded.
func (s *Server) record(r *http.Request, action string, payload map[string]interface{}, opts ...audit.RecordOption) {
	var actor *int64
	if p, ok := guard.FromContext(r.Context()); ok {
		actor = p.ActorID()
		if label := p.RoleLabel(); label != "" {
			opts = append(opts, audit.WithActorRole(label))
		}
	}
	s.recordAs(r, actor, action, payload, opts...)
}

func (s *Server) recordAs(r *http.Request, actor *int64, action string, payload map[string]interface{}, opts ...audit.RecordOption) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if ip := clientIP(r); ip != "" {
		payload["client_ip"] = ip
	}
	if id := requestID(r); id != "" {
		payload["request_id"] = id
	}
	if app := r.Header.Get("X-Client-Application"); app != "" {
		opts = append(opts, audit.WithApplication(app))
	}
	if _, err := s.deps.Audit.Record(r.Context(), actor, action, payload, opts...); err != nil {
		observability.FromContext(r.Context(), s.logger).WithError(err).WithField("action", action).Error("failed to record audit entry")
	}
}
