// Package util provides shared helpers for the service proxy gateway.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ConfigError, BackendError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
//
// # Query Strings
//
// Query is an ordered multimap. Unlike url.Values it remembers the order in
// which keys were first added, so merged default and caller queries serialize
// deterministically: default entries first, caller-only entries after them.
// MergeQuery implements the gateway's method-dependent merge direction.
//
// # Request Context
//
// Path parameters captured by the route matcher, the request ID and the
// request start time travel on the request context.
package util
