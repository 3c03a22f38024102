// Package tunnel splices WebSocket upgrade requests to backend services.
//
// Upgrade requests bypass ordinary method dispatch, so the Manager wraps
// the host server's handler once and performs its own matching against
// the compiled WebSocket routes, first match wins.
//
// For a matched request the Manager dials the route endpoint, sends its
// own upgrade request (merged query, computed and static headers, caller
// or generated handshake headers, a signature for signed routes) and on
// 101 Switching Protocols relays the backend handshake to the caller.
// From then on bytes are copied both ways without interpretation until
// either side closes.
//
// # Failure Behavior
//
// An upgrade that matches no route gets a bare "HTTP/1.1 404 Not Found"
// status line and the connection is closed. When the backend cannot be
// reached or refuses the upgrade, the caller connection is closed
// without any handshake.
//
// # Metrics
//
//   - svcproxy_tunnel_upgrades_total{outcome}
//   - svcproxy_tunnel_active
//   - svcproxy_tunnel_duration_seconds
package tunnel
