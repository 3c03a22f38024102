package backend

import (
	"context"
	"io"
	"net/http"
)

// BeforeRequestFunc may inspect or modify the outbound call. Returning an
// error aborts the request with that error.
type BeforeRequestFunc func(ctx context.Context, r *http.Request, call *Call) error

// AfterResponseFunc takes ownership of the backend response: it must
// write the reply to w. The response body is closed by the caller
// afterwards.
type AfterResponseFunc func(w http.ResponseWriter, r *http.Request, res *Result) error

// Result is a backend response ready to be relayed.
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Close closes the body if there is one.
func (r *Result) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
