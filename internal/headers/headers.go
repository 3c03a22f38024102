package headers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// AlwaysForwarded is added to every passthrough allow-list.
const AlwaysForwarded = "Accept-Language"

// Errors returned while building extensions.
var (
	ErrUnknownFunc        = errors.New("unknown header function")
	ErrRedisNotConfigured = errors.New("redis header source requires a redis client")
	ErrEmptyExtension     = errors.New("header extension has no source configured")
)

// Input is what an extension sees of the inbound request.
type Input struct {
	Request *http.Request
	// Params holds route captures, named and positional ("0", "1", ...).
	Params map[string]string
	// Service is the owning service name.
	Service string
	// ServiceValues are the extra keys of the service configuration.
	ServiceValues map[string]any
}

// Extension computes additional outbound headers for a request.
type Extension interface {
	Name() string
	Headers(ctx context.Context, in *Input) (map[string]string, error)
}

// Func is a host-supplied header computation registered by name.
type Func func(ctx context.Context, in *Input) (map[string]string, error)

// ExtensionError reports a failing extension. It is logged and the
// extension's headers are skipped; the request still proceeds.
type ExtensionError struct {
	Source string
	Cause  error
}

// Error implements the error interface.
func (e *ExtensionError) Error() string {
	return fmt.Sprintf("header extension %s: %v", e.Source, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *ExtensionError) Unwrap() error {
	return e.Cause
}

// AllowList is the set of inbound headers forwarded to backends.
type AllowList []string

// NewAllowList canonicalizes names, drops duplicates and always includes
// Accept-Language.
func NewAllowList(names ...string) AllowList {
	seen := make(map[string]bool, len(names)+1)
	out := make(AllowList, 0, len(names)+1)
	for _, n := range append(names, AlwaysForwarded) {
		c := http.CanonicalHeaderKey(n)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// Passthrough copies the allowed headers from src. Headers absent from src
// are omitted.
func (l AllowList) Passthrough(src http.Header) http.Header {
	out := make(http.Header, len(l))
	for _, name := range l {
		if values := src.Values(name); len(values) > 0 {
			out[name] = append([]string(nil), values...)
		}
	}
	return out
}

// Compute runs every extension in order. Later extensions override earlier
// ones for the same header. Failures are logged and skipped.
func Compute(ctx context.Context, exts []Extension, in *Input, logger observability.Logger) map[string]string {
	if logger == nil {
		logger = observability.NopLogger()
	}

	out := make(map[string]string)
	for _, ext := range exts {
		values, err := ext.Headers(ctx, in)
		if err != nil {
			logger.Warn("header extension failed, skipping",
				observability.Error(&ExtensionError{Source: ext.Name(), Cause: err}),
			)
			continue
		}
		for k, v := range values {
			out[k] = v
		}
	}
	return out
}

// Assemble builds the outbound header set. Precedence from low to high:
// passthrough, extension, static.
func Assemble(passthrough http.Header, extension, static map[string]string) http.Header {
	out := passthrough.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for k, v := range extension {
		out.Set(k, v)
	}
	for k, v := range static {
		out.Set(k, v)
	}
	return out
}
