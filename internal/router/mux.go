package router

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// Mux is an ordered HTTP dispatcher: the first registered entry whose
// method and pattern match serves the request. Blacklist entries therefore
// win over permit entries registered after them.
type Mux struct {
	mu       sync.RWMutex
	entries  []*muxEntry
	notFound http.Handler
	metrics  *Metrics
}

type muxEntry struct {
	methods []string
	pattern *Pattern
	handler http.Handler
}

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithNotFoundHandler replaces the default JSON 404 handler.
func WithNotFoundHandler(h http.Handler) MuxOption {
	return func(m *Mux) {
		m.notFound = h
	}
}

// WithMuxMetrics records dispatch outcomes.
func WithMuxMetrics(metrics *Metrics) MuxOption {
	return func(m *Mux) {
		m.metrics = metrics
	}
}

// NewMux creates an empty Mux.
func NewMux(opts ...MuxOption) *Mux {
	m := &Mux{notFound: http.HandlerFunc(NotFound)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle registers h for one method.
func (m *Mux) Handle(method, pattern string, h http.Handler) error {
	method = strings.ToUpper(method)
	if method == MethodAll {
		return m.Any(pattern, h)
	}
	if !slices.Contains(SupportedMethods, method) {
		return fmt.Errorf("unsupported method %q", method)
	}
	return m.add([]string{method}, pattern, h)
}

// Any registers h for every method.
func (m *Mux) Any(pattern string, h http.Handler) error {
	return m.add(nil, pattern, h)
}

func (m *Mux) add(methods []string, pattern string, h http.Handler) error {
	p, err := CompilePattern(pattern)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &muxEntry{methods: methods, pattern: p, handler: h})
	return nil
}

// Len returns the number of registered entries.
func (m *Mux) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Lookup returns the handler for method and escaped path with its captures.
func (m *Mux) Lookup(method, path string) (http.Handler, map[string]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries {
		if e.methods != nil && !slices.Contains(e.methods, method) {
			continue
		}
		if params, ok := e.pattern.Match(path); ok {
			return e.handler, params, true
		}
	}
	return nil, nil, false
}

// ServeHTTP implements http.Handler. Captures are stored in the request
// context, see util.PathParamsFromContext.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, params, ok := m.Lookup(r.Method, r.URL.EscapedPath())
	if !ok {
		m.metrics.recordDispatch(false)
		m.notFound.ServeHTTP(w, r)
		return
	}
	m.metrics.recordDispatch(true)
	ctx := util.ContextWithPathParams(r.Context(), params)
	h.ServeHTTP(w, r.WithContext(ctx))
}

// NotFound replies with the gateway's JSON 404.
func NotFound(w http.ResponseWriter, r *http.Request) {
	util.WriteJSONError(w, http.StatusNotFound, fmt.Sprintf("Cannot %s %s", r.Method, r.URL.Path))
}
