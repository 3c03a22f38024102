// Package health provides health, readiness and liveness endpoints for
// the gateway host.
//
// A Checker holds named dependency checks. Critical checks make the
// gateway unready when they fail; non-critical ones only degrade it.
//
//	checker := health.NewChecker(version, health.WithMetrics(registry))
//	checker.Register("secrets", resolver.HealthCheck)
//	checker.Register("redis", health.RedisCheck(rdb), health.NonCritical())
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/health", checker.HealthHandler())
//	mux.HandleFunc("/ready", checker.ReadinessHandler())
//	mux.HandleFunc("/live", checker.LivenessHandler())
package health
