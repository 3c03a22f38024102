// Package router compiles gateway configuration into an immutable route
// table and dispatches requests against it.
//
// # Patterns
//
// Route paths use ":name" for a single named segment and "*" for a greedy
// positional capture:
//
//	/api/proxy/users/:id      matches /api/proxy/users/42      {id: "42"}
//	/api/proxy/files/*        matches /api/proxy/files/a/b.txt {0: "a/b.txt"}
//
// SubstitutePath fills a backend path template with the same captures.
//
// # Compilation
//
// Compiler.Compile walks the services in order. For each service it emits
// the exclude entries first, then one route per rule, then a catch-all
// that replies 404. Any invalid rule aborts the compile with a
// *ConfigurationError.
//
// # Dispatch
//
// Mux serves routes in registration order, so the first matching entry
// wins regardless of how specific later entries are.
package router
