package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// Listener is the host HTTP listener. It is an App whose server opens on
// Start, and its handler can be swapped while serving.
type Listener struct {
	config  config.ListenConfig
	server  *http.Server
	handler atomic.Pointer[http.Handler]
	logger  observability.Logger
	running atomic.Bool

	mu    sync.Mutex
	ready []func(*http.Server)
	addr  net.Addr
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a listener serving handler.
func NewListener(cfg config.ListenConfig, handler http.Handler, opts ...ListenerOption) *Listener {
	l := &Listener{
		config: cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.SetHandler(handler)

	readHeaderTimeout := cfg.ReadHeaderTimeout.Duration()
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = config.DefaultReadHeaderTimeout
	}
	idleTimeout := cfg.IdleTimeout.Duration()
	if idleTimeout <= 0 {
		idleTimeout = 120 * time.Second
	}

	// No read or write timeouts: streamed bodies and tunnels may run long.
	l.server = &http.Server{
		Addr:              l.Address(),
		Handler:           http.HandlerFunc(l.serveHTTP),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	return l
}

// SetHandler atomically replaces the handler behind the server.
func (l *Listener) SetHandler(h http.Handler) {
	if h == nil {
		h = http.NotFoundHandler()
	}
	l.handler.Store(&h)
}

func (l *Listener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	(*l.handler.Load()).ServeHTTP(w, r)
}

// Address returns the configured listen address.
func (l *Listener) Address() string {
	bind := l.config.Address
	if bind == "" {
		bind = config.DefaultListenAddress
	}
	return net.JoinHostPort(bind, strconv.Itoa(l.config.Port))
}

// Addr returns the bound address once started.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Server implements App. It returns nil until the listener is started.
func (l *Listener) Server() *http.Server {
	if !l.running.Load() {
		return nil
	}
	return l.server
}

// OnReady implements App. Callbacks registered before Start run after the
// socket is bound and before the first request is served.
func (l *Listener) OnReady(fn func(*http.Server)) {
	l.mu.Lock()
	if !l.running.Load() {
		l.ready = append(l.ready, fn)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	fn(l.server)
}

// Logger implements App.
func (l *Listener) Logger() observability.Logger {
	return l.logger
}

// Start binds the socket and serves in the background.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return ErrListenerRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.server.Addr, err)
	}

	l.mu.Lock()
	l.addr = ln.Addr()
	ready := l.ready
	l.ready = nil
	l.running.Store(true)
	l.mu.Unlock()

	for _, fn := range ready {
		fn(l.server)
	}

	l.logger.Info("listener started",
		observability.String("address", ln.Addr().String()),
	)

	go l.serve(ln)
	return nil
}

func (l *Listener) serve(ln net.Listener) {
	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error", observability.Error(err))
	}
}

// Stop shuts the server down gracefully, closing it when ctx expires.
// Tunnels are hijacked connections and are not waited for.
func (l *Listener) Stop(ctx context.Context) error {
	if !l.running.Load() {
		return nil
	}

	l.logger.Info("stopping listener")

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}

	l.running.Store(false)
	l.logger.Info("listener stopped")
	return nil
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
