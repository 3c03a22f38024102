package main

import (
	"context"
	"net"
	"net/http"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
)

// clientInfoHeaders is the "clientInfo" header function: it forwards the
// caller address and the matched service.
func clientInfoHeaders(_ context.Context, in *headers.Input) (map[string]string, error) {
	host, _, err := net.SplitHostPort(in.Request.RemoteAddr)
	if err != nil {
		host = in.Request.RemoteAddr
	}
	return map[string]string{
		"X-Client-IP":       host,
		"X-Gateway-Service": in.Service,
	}, nil
}

// stripCookies is the "stripCookies" beforeRequest hook.
func stripCookies(_ context.Context, _ *http.Request, call *backend.Call) error {
	call.Header.Del("Cookie")
	return nil
}
