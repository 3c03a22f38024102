// Package headers assembles the headers sent to backends.
//
// Outbound headers come from three layers, lowest precedence first:
//
//  1. passthrough: inbound headers named in the gateway allow-list
//     (Accept-Language is always included)
//  2. extensions: computed per request by the configured sources
//  3. static: the rule or service headers mapping
//
// # Extension sources
//
//   - static: fixed values
//   - func: a Go function registered with the gateway by name
//   - cel: CEL expressions over the request and service
//   - redis: fields of a redis hash keyed by request attributes
//   - requestId: a correlation ID, generated when the caller sent none
//
// A failing extension is logged and skipped; it never fails the request.
package headers
