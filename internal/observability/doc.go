// Package observability provides logging, metrics, and tracing
// functionality for the service proxy gateway.
//
// # Logging
//
// The Logger interface wraps zap for structured logging:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request proxied",
//	    observability.String("service", "user"),
//	    observability.Int("status", 200),
//	)
//
// OpenTelemetry's internal diagnostics are routed into the same logger
// through a logr sink (InstallOtelLogger).
//
// # Metrics
//
// Host-level HTTP metrics live on a private Prometheus registry:
//
//	metrics := observability.NewMetrics("svcproxy")
//	handler := observability.MetricsMiddleware(metrics)(mux)
//	http.Handle("/metrics", metrics.Handler())
//
// Gateway components register their own collectors on the same registry.
//
// # Tracing
//
// OpenTelemetry tracing with OTLP gRPC export. When tracing is disabled the
// Tracer falls back to the global (no-op) provider, so callers never need
// nil checks.
package observability
