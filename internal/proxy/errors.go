package proxy

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// Sentinel errors for proxy operations.
var (
	// ErrBodyTooLarge indicates a buffered request body over the limit.
	ErrBodyTooLarge = fmt.Errorf("%w: request body too large", util.ErrPayloadTooLarge)

	// ErrHookFailed indicates that a request or response hook failed.
	ErrHookFailed = errors.New("hook failed")
)

// ProxyError is a failed forward with the step and route it failed in.
type ProxyError struct {
	Op      string // step that failed
	Service string
	Route   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.Route != "" {
		return fmt.Sprintf("proxy error [%s] service=%s route=%s: %s: %v",
			e.Op, e.Service, e.Route, e.Message, e.Cause)
	}
	return fmt.Sprintf("proxy error [%s]: %s: %v", e.Op, e.Message, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok || errors.Is(e.Cause, target)
}

// NewProxyError creates a new ProxyError.
func NewProxyError(op, service, route, message string, cause error) *ProxyError {
	return &ProxyError{
		Op:      op,
		Service: service,
		Route:   route,
		Message: message,
		Cause:   cause,
	}
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}

// errorType classifies err for metrics.
func errorType(err error) string {
	switch {
	case errors.Is(err, util.ErrPayloadTooLarge):
		return "payload_too_large"
	case errors.Is(err, util.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, util.ErrTimeout):
		return "timeout"
	case errors.Is(err, util.ErrBackendUnavail):
		return "backend_unavailable"
	case errors.Is(err, ErrHookFailed):
		return "hook"
	default:
		return "internal"
	}
}

// clientMessage is the text returned to the caller for err. Backend
// details and route names are never exposed.
func clientMessage(err error, status int) string {
	switch status {
	case 400, 413:
		var proxyErr *ProxyError
		if errors.As(err, &proxyErr) && proxyErr.Cause != nil {
			return proxyErr.Cause.Error()
		}
		return err.Error()
	case 502:
		return "backend unavailable"
	case 504:
		return "backend timed out"
	default:
		return "internal gateway error"
	}
}
