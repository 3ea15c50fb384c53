// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithComponent("rbac").WithField("user_id", id).Info("role assigned")
//
// Request scoped loggers are stored in the context by the request-id
// middleware and recovered with FromContext.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	router.Use(metrics.HTTPMiddleware)
//	http.Handle("/metrics", observability.Handler(registry))
//
// # Tracing
//
// InitTracing installs an OTLP/gRPC exporter when enabled and returns the
// provider's shutdown function for the ShutdownManager.
package observability
