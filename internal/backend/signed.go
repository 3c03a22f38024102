package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vyrodovalexey/svcproxy/internal/signing"
)

// Auth carries what a signed call is signed with.
type Auth struct {
	Signer           signing.Signer
	Credentials      signing.Credentials
	IgnoreFromMarker bool
}

// SignedClient signs calls and delegates them to another Client.
type SignedClient struct {
	next Client
	now  func() time.Time
}

// NewSignedClient wraps next. now may be nil.
func NewSignedClient(next Client, now func() time.Time) *SignedClient {
	if now == nil {
		now = time.Now
	}
	return &SignedClient{next: next, now: now}
}

// Do implements Client. The call must carry Auth.
func (c *SignedClient) Do(ctx context.Context, call *Call) (*http.Response, error) {
	if err := SignCall(call, c.now()); err != nil {
		return nil, &RequestError{Op: "sign", URL: call.URL, Cause: err}
	}
	return c.next.Do(ctx, call)
}

// SignCall adds the signature and browser marker headers to call.
func SignCall(call *Call, now time.Time) error {
	if call.Auth == nil || call.Auth.Signer == nil {
		return fmt.Errorf("%w: no signer configured", signing.ErrMissingCredentials)
	}
	if call.Header == nil {
		call.Header = make(http.Header)
	}

	uri, err := RequestURI(call.URL)
	if err != nil {
		return err
	}

	signing.MarkFromBrowser(call.Header, call.Auth.IgnoreFromMarker)
	return call.Auth.Signer.Sign(&signing.Request{
		Method: call.Method,
		URI:    uri,
		Header: call.Header,
	}, call.Auth.Credentials, now)
}

// RequestURI returns the path and query of an absolute URL.
func RequestURI(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing backend url: %w", err)
	}
	return u.RequestURI(), nil
}
