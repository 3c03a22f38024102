// Package tls builds the client TLS configuration the gateway uses towards
// https and wss backends: trusted CAs, an optional client certificate for
// mutual TLS, the minimum protocol version and TLS 1.2 cipher suites.
package tls
