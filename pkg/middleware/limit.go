package middleware

import (
	"net/http"
	"strconv"

	"github.com/platinummonkey/accounts/pkg/contextkeys"
	"github.com/platinummonkey/accounts/pkg/httputil"
	"github.com/platinummonkey/accounts/pkg/observability"
)

// KeyFunc derives the rate-limit key of a request
type KeyFunc func(r *http.Request) string

// ByClientIP keys requests by the resolved caller address
func ByClientIP(r *http.Request) string {
	if ip := contextkeys.GetClientIP(r.Context()); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + httputil.ClientIP(r)
}

// RateLimitMiddleware refuses requests over budget with 429
type RateLimitMiddleware struct {
	limiter  Limiter
	key      KeyFunc
	logger   *observability.Logger
	failOpen bool
}

// RateLimitOption configures a RateLimitMiddleware
type RateLimitOption func(*RateLimitMiddleware)

// WithKeyFunc replaces the default client-ip key
func WithKeyFunc(fn KeyFunc) RateLimitOption {
	return func(m *RateLimitMiddleware) { m.key = fn }
}

// FailClosed rejects requests with 503 when the limiter errors
func FailClosed() RateLimitOption {
	return func(m *RateLimitMiddleware) { m.failOpen = false }
}

// NewRateLimitMiddleware creates a rate limit middleware. Limiter errors are
// logged and the request allowed unless FailClosed is set.
func NewRateLimitMiddleware(limiter Limiter, logger *observability.Logger, opts ...RateLimitOption) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NopLogger()
	}
	m := &RateLimitMiddleware{
		limiter:  limiter,
		key:      ByClientIP,
		logger:   logger.WithComponent("ratelimit"),
		failOpen: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		allowed, retryAfter, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			logger := observability.FromContext(r.Context(), m.logger).WithError(err)
			if !m.failOpen {
				logger.Error("rate limiter unavailable, rejecting")
				httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
				return
			}
			logger.Warn("rate limiter unavailable, allowing")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limiter.Limit()))
		if !allowed {
			w.Header().Set("Retry-After", retryAfterSeconds(retryAfter))
			observability.FromContext(r.Context(), m.logger).WithField("key", key).Info("rate limit exceeded")
			httputil.WriteTooManyRequests(w, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
