package gateway

import "errors"

// Sentinel errors for gateway operations.
var (
	// ErrNilConfig indicates that a nil configuration was provided.
	ErrNilConfig = errors.New("configuration is required")

	// ErrNilRegistrar indicates that Mount was called without a
	// dispatcher.
	ErrNilRegistrar = errors.New("registrar is required")

	// ErrNilApp indicates that Mount was called without an application
	// handle.
	ErrNilApp = errors.New("application handle is required")

	// ErrAlreadyMounted indicates a second Mount of the same gateway.
	ErrAlreadyMounted = errors.New("gateway is already mounted")

	// ErrListenerRunning indicates a Start on a running listener.
	ErrListenerRunning = errors.New("listener is already running")
)
