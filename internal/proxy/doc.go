// Package proxy turns one inbound request into exactly one backend call
// and relays the answer.
//
// For a compiled route the Transformer:
//
//   - substitutes route captures into the backend path template
//   - merges the default query with the caller's query
//   - moves structured data between body and query string by method
//   - assembles headers from the allow-list, extensions and static values
//   - forwards multipart uploads after parsing them under the route policy
//   - signs the call when the route belongs to a signed client
//
// Responses are streamed back unchanged unless the route has an
// AfterResponse hook, which then owns writing them. A configured default
// error code replaces backend 5xx statuses.
//
// # Errors
//
// Failed forwards are answered with a JSON body {"code", "message"}:
// 413 for oversized bodies, 400 for malformed input, 504 for backend
// timeouts and 502 when the backend could not be reached. Backend error
// details never reach the caller.
//
// # Example Usage
//
//	t := proxy.New(
//	    proxy.WithLogger(logger),
//	    proxy.WithMetrics(proxy.NewMetrics(registry)),
//	)
//	for _, route := range table.HTTP() {
//	    mux.Handle(method, route.Route, t.Handler(route))
//	}
package proxy
