// Package middleware provides the HTTP plumbing shared by every route:
// request ids, panic recovery and rate limiting.
//
// # Request ids
//
// RequestID accepts a well-formed inbound X-Request-ID or generates a UUID,
// echoes it on the response and stores it in the context next to the client
// address and a request-scoped logger. Forwarding headers count only when
// the peer is one of the trusted proxies:
//
//	router.Use(middleware.RequestID(logger, proxies), middleware.Recovery(logger))
//
// # Rate limiting
//
// Credential endpoints are limited per client address. RateLimiter is an
// in-process token bucket per key; DistributedRateLimiter is a fixed-window
// counter in Redis shared by every instance:
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, cfg, "")
//	limited := middleware.NewRateLimitMiddleware(limiter, logger)
//	router.Handle("/auth/token", limited.Handler(tokenHandler))
//
// Limiter errors fail open by default. FailClosed changes that to 503.
package middleware
