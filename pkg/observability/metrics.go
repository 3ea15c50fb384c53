package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginsTotal            *prometheus.CounterVec
	TokensIssuedTotal      *prometheus.CounterVec
	TokenValidationsFailed *prometheus.CounterVec
	ProvisionedUsersTotal  prometheus.Counter

	// Authorization metrics
	AuthorizationDecisions *prometheus.CounterVec
	PermissionCacheHits    prometheus.Counter
	PermissionCacheMisses  prometheus.Counter

	// Audit metrics
	AuditEntriesTotal  *prometheus.CounterVec
	AuditArchivedTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics. A nil registry
// yields unregistered collectors, which is what tests want.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accounts_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_logins_total",
				Help: "Human login attempts by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		TokensIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_tokens_issued_total",
				Help: "Access tokens issued by kind",
			},
			[]string{"kind"},
		),
		TokenValidationsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_token_validation_failures_total",
				Help: "Token validation failures by reason",
			},
			[]string{"reason"},
		),
		ProvisionedUsersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "accounts_provisioned_users_total",
				Help: "Users created from a provider assertion",
			},
		),
		AuthorizationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_authorization_decisions_total",
				Help: "Access guard decisions by principal kind and result",
			},
			[]string{"kind", "result"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "accounts_permission_cache_hits_total",
				Help: "Permission cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "accounts_permission_cache_misses_total",
				Help: "Permission cache misses",
			},
		),
		AuditEntriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accounts_audit_entries_total",
				Help: "Audit entries recorded by action",
			},
			[]string{"action"},
		),
		AuditArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "accounts_audit_archived_entries_total",
				Help: "Audit entries exported to object storage",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.LoginsTotal,
			m.TokensIssuedTotal,
			m.TokenValidationsFailed,
			m.ProvisionedUsersTotal,
			m.AuthorizationDecisions,
			m.PermissionCacheHits,
			m.PermissionCacheMisses,
			m.AuditEntriesTotal,
			m.AuditArchivedTotal,
		)
	}

	return m
}

// HTTPMiddleware records request counts and latency per mux route template
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the registry on /metrics
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
