package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// RequestError is a failed backend call: no response was received.
type RequestError struct {
	Op      string
	URL     string
	Timeout bool
	// Limit is the timeout the call ran under.
	Limit time.Duration
	Cause error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("backend %s %s: timed out after %s: %v", e.Op, e.URL, e.Limit, e.Cause)
	}
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.URL, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	return e.Cause
}

// Is matches util.ErrTimeout for timeouts and util.ErrBackendUnavail
// otherwise.
func (e *RequestError) Is(target error) bool {
	if e.Timeout {
		return target == util.ErrTimeout
	}
	return target == util.ErrBackendUnavail
}

// IsTimeout reports whether err is a backend timeout.
func IsTimeout(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Timeout
}
