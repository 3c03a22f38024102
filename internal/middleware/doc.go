// Package middleware provides the HTTP middleware the gateway host wraps
// around its handler. It covers panic recovery, request IDs, access logging
// and token bucket rate limiting.
//
// Each middleware has the signature func(http.Handler) http.Handler and
// Chain composes them so that the first one listed runs outermost:
//
//	h := middleware.Chain(handler,
//	    middleware.Recovery(logger),
//	    middleware.RequestID(),
//	    middleware.Logging(logger),
//	    middleware.RateLimit(limiter),
//	)
//
// Response writers wrapped here keep http.Flusher and http.Hijacker
// available, so streamed relays and WebSocket tunnels pass through.
package middleware
