package tunnel

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/router"
	"github.com/vyrodovalexey/svcproxy/internal/util"
)

const (
	keepAlivePeriod   = 30 * time.Second
	websocketVersion  = "13"
	defaultExtensions = "permessage-deflate; client_max_window_bits"
)

const switchingProtocols = "HTTP/1.1 101 Switching Protocols\r\n"

var notFoundLine = []byte("HTTP/1.1 404 Not Found\r\n\r\n")

type entry struct {
	route   *router.CompiledRoute
	pattern *router.Pattern
}

// Manager matches upgrade requests against WebSocket routes and splices
// matched ones to their backends.
type Manager struct {
	entries     []entry
	mountPrefix string
	tlsConfig   *tls.Config
	logger      observability.Logger
	tracer      *observability.Tracer
	metrics     *Metrics
	now         func() time.Time
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithMountPrefix sets the path the host application mounts the gateway
// under. It is prepended to route patterns for matching.
func WithMountPrefix(prefix string) Option {
	return func(m *Manager) {
		m.mountPrefix = prefix
	}
}

// WithTLSConfig sets the client TLS configuration for wss and https
// endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(m *Manager) {
		m.tlsConfig = cfg
	}
}

// NewManager creates a Manager for the WebSocket routes among routes,
// keeping their order.
func NewManager(routes []*router.CompiledRoute, opts ...Option) (*Manager, error) {
	m := &Manager{
		logger: observability.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracer == nil {
		m.tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: "svcproxy"})
	}

	for _, route := range routes {
		if !route.Kind.IsWebSocket() {
			continue
		}
		p, err := route.Pattern.WithPrefix(m.mountPrefix)
		if err != nil {
			return nil, fmt.Errorf("mounting websocket route %s: %w", route.Route, err)
		}
		m.entries = append(m.entries, entry{route: route, pattern: p})
	}
	return m, nil
}

// Len returns the number of WebSocket routes.
func (m *Manager) Len() int {
	return len(m.entries)
}

// Intercept returns a handler serving upgrade requests itself and passing
// everything else to next.
func (m *Manager) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !util.IsUpgradeRequest(r) {
			next.ServeHTTP(w, r)
			return
		}
		m.ServeUpgrade(w, r)
	})
}

// attempt tracks one upgrade request.
type attempt struct {
	state  State
	logger observability.Logger
}

func (a *attempt) transition(s State) {
	a.state = s
	a.logger.Debug("tunnel state", observability.String("state", s.String()))
}

// ServeUpgrade handles one upgrade request. It returns once the tunnel,
// if any, has closed.
func (m *Manager) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	a := &attempt{
		logger: m.logger.With(
			observability.String("tunnel_id", uuid.NewString()),
			observability.String("path", r.URL.Path),
		),
	}
	a.transition(StateReceived)

	a.transition(StateMatching)
	e, params, ok := m.match(r.URL.EscapedPath())
	if !ok {
		a.transition(StateUnmatched)
		a.transition(StateRejected)
		m.metrics.recordOutcome(outcomeRejected)
		reject(w)
		return
	}
	a.logger = a.logger.With(
		observability.String("service", e.route.Service),
		observability.String("route", e.route.Route),
	)
	a.transition(StateMatched)

	a.transition(StateConnectingBackend)
	backendConn, backendR, resp, err := m.connect(r, e, params, a.logger)
	if err != nil {
		a.logger.Warn("websocket backend connection failed", observability.Error(err))
		a.transition(StateFailed)
		m.metrics.recordOutcome(outcomeFailed)
		abort(w)
		return
	}

	clientConn, clientRW, err := http.NewResponseController(w).Hijack()
	if err != nil {
		_ = backendConn.Close()
		a.logger.Error("hijacking client connection", observability.Error(err))
		a.transition(StateFailed)
		m.metrics.recordOutcome(outcomeFailed)
		return
	}
	if err := writeHandshake(clientConn, resp.Header); err != nil {
		_ = clientConn.Close()
		_ = backendConn.Close()
		a.logger.Debug("writing handshake to caller", observability.Error(err))
		a.transition(StateFailed)
		m.metrics.recordOutcome(outcomeFailed)
		return
	}

	a.transition(StateTunneling)
	m.metrics.recordOutcome(outcomeTunneled)
	tune(clientConn)
	tune(backendConn)

	start := time.Now()
	m.metrics.tunnelOpened()
	up, down := splice(clientConn, clientRW.Reader, backendConn, backendR)
	m.metrics.tunnelClosed(time.Since(start))

	a.logger.Info("tunnel closed",
		observability.Duration("duration", time.Since(start)),
		observability.Int64("bytes_up", up),
		observability.Int64("bytes_down", down),
	)
}

func (m *Manager) match(path string) (entry, map[string]string, bool) {
	for _, e := range m.entries {
		if params, ok := e.pattern.Match(path); ok {
			return e, params, true
		}
	}
	return entry{}, nil, false
}

// connect dials the route endpoint and performs the upgrade handshake.
// The returned reader holds any bytes the backend sent after its 101.
func (m *Manager) connect(
	r *http.Request,
	e entry,
	params map[string]string,
	logger observability.Logger,
) (net.Conn, *bufio.Reader, *http.Response, error) {
	route := e.route
	rawTarget := r.RequestURI
	if rawTarget == "" {
		rawTarget = r.URL.RequestURI()
	}
	path := router.SubstitutePath(route.Path, params, e.pattern, rawTarget)
	target := route.Endpoint + util.MergeQuery(path, route.DefaultQuery, util.ParseQuery(r.URL.RawQuery), false)

	fail := func(err error) (net.Conn, *bufio.Reader, *http.Response, error) {
		return nil, nil, nil, &UpgradeError{Route: route.Route, Target: target, Cause: err}
	}

	u, err := url.Parse(target)
	if err != nil {
		return fail(err)
	}

	timeout := route.Timeout
	if timeout <= 0 {
		timeout = backend.DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	ctx, span := m.tracer.StartSpan(ctx, "tunnel.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("svcproxy.service", route.Service),
			attribute.String("svcproxy.route", route.Route),
			attribute.String("url.full", target),
		),
	)
	defer span.End()

	extension := headers.Compute(ctx, route.Extensions, &headers.Input{
		Request:       r,
		Params:        params,
		Service:       route.Service,
		ServiceValues: route.ServiceValues,
	}, logger)
	h := headers.Assemble(nil, extension, route.Headers)
	setUpgradeHeaders(h, r.Header)

	if auth := route.Auth(); auth != nil {
		call := &backend.Call{Method: http.MethodGet, URL: target, Header: h, Auth: auth}
		if err := backend.SignCall(call, m.now()); err != nil {
			return fail(err)
		}
	}

	conn, err := m.dial(ctx, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return fail(err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     h,
		Host:       u.Host,
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return fail(err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, "handshake failed")
		return fail(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = resp.Body.Close()
		_ = conn.Close()
		span.SetStatus(codes.Error, resp.Status)
		return fail(fmt.Errorf("%w: %s", ErrUpgradeRefused, resp.Status))
	}
	_ = conn.SetDeadline(time.Time{})

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return conn, br, resp, nil
}

func (m *Manager) dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	secure := u.Scheme == "https" || u.Scheme == "wss"
	addr := u.Host
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	d := &net.Dialer{KeepAlive: keepAlivePeriod}
	if !secure {
		return d.DialContext(ctx, "tcp", addr)
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if m.tlsConfig != nil {
		cfg = m.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}
	td := &tls.Dialer{NetDialer: d, Config: cfg}
	return td.DialContext(ctx, "tcp", addr)
}

// setUpgradeHeaders adds the handshake headers, keeping the caller's
// version, key and extensions when present.
func setUpgradeHeaders(h, in http.Header) {
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Version", firstNonEmpty(in.Get("Sec-WebSocket-Version"), websocketVersion))
	h.Set("Sec-WebSocket-Key", firstNonEmpty(in.Get("Sec-WebSocket-Key"), newKey()))
	h.Set("Sec-WebSocket-Extensions", firstNonEmpty(in.Get("Sec-WebSocket-Extensions"), defaultExtensions))
	if protocols := in.Values("Sec-WebSocket-Protocol"); len(protocols) > 0 {
		h["Sec-Websocket-Protocol"] = slices.Clone(protocols)
	}
}

// newKey returns 16 random bytes, base64 encoded.
func newKey() string {
	id := uuid.New()
	return base64.StdEncoding.EncodeToString(id[:])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// writeHandshake writes the 101 status line and every header value on a
// line of its own.
func writeHandshake(w io.Writer, h http.Header) error {
	bw := bufio.NewWriter(w)
	_, _ = bw.WriteString(switchingProtocols)
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			_, _ = fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	_, _ = bw.WriteString("\r\n")
	return bw.Flush()
}

// reject answers an unmatched upgrade with a bare 404 status line.
func reject(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = conn.Write(notFoundLine)
	_ = conn.Close()
}

// abort closes the caller connection without writing anything.
func abort(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}

// tune disables idle deadlines and Nagle, and enables keep-alive probes.
func tune(conn net.Conn) {
	_ = conn.SetDeadline(time.Time{})
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
}

// splice copies bytes both ways until either side ends, then closes both.
// It returns the bytes sent to the backend and to the caller.
func splice(client net.Conn, clientR io.Reader, backend net.Conn, backendR io.Reader) (up, down int64) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = backend.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		up, _ = io.Copy(backend, clientR)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		down, _ = io.Copy(client, backendR)
	}()
	wg.Wait()
	return up, down
}
