package tunnel

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// State is the progress of one upgrade attempt.
type State int

// Upgrade attempt states. An attempt moves from StateReceived through
// StateMatching to either StateMatched or StateUnmatched. Matched attempts
// end in StateTunneling or StateFailed, unmatched ones in StateRejected.
const (
	StateReceived State = iota
	StateMatching
	StateMatched
	StateConnectingBackend
	StateTunneling
	StateFailed
	StateUnmatched
	StateRejected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateReceived:
		return "RECEIVED"
	case StateMatching:
		return "MATCHING"
	case StateMatched:
		return "MATCHED"
	case StateConnectingBackend:
		return "CONNECTING_BACKEND"
	case StateTunneling:
		return "TUNNELING"
	case StateFailed:
		return "FAILED"
	case StateUnmatched:
		return "UNMATCHED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateTunneling || s == StateFailed || s == StateRejected
}

// ErrUpgradeRefused indicates a backend that answered the handshake with
// something other than 101 Switching Protocols.
var ErrUpgradeRefused = errors.New("backend refused protocol upgrade")

// UpgradeError is a failed tunnel setup. It only ends that one attempt.
type UpgradeError struct {
	Route  string
	Target string
	Cause  error
}

// Error implements the error interface.
func (e *UpgradeError) Error() string {
	return fmt.Sprintf("websocket upgrade for route %s to %s failed: %v", e.Route, e.Target, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *UpgradeError) Unwrap() error {
	return e.Cause
}

// Is matches util.ErrBackendUnavail.
func (e *UpgradeError) Is(target error) bool {
	return target == util.ErrBackendUnavail
}
