// Package backend performs the outbound calls of the gateway.
//
// PlainClient sends a Call over net/http with a per-call timeout that
// covers the whole exchange; the timeout is released when the response
// body is closed. SignedClient adds signature headers first. Failures
// that produce no response are reported as *RequestError, which matches
// util.ErrTimeout or util.ErrBackendUnavail.
//
// Each call runs in a client span with the W3C trace context injected
// into the outbound headers.
package backend
