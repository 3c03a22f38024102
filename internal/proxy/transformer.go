package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/encoding"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/router"
	"github.com/vyrodovalexey/svcproxy/internal/upload"
	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// DefaultMaxBodySize bounds buffered request bodies.
const DefaultMaxBodySize = 10 << 20

// relayBufferSize is the chunk size used when streaming responses.
const relayBufferSize = 32 << 10

// Transformer forwards requests of compiled routes to their backends.
type Transformer struct {
	plain   backend.Client
	signed  backend.Client
	parser  upload.Parser
	codecs  *encoding.Registry
	allow   headers.AllowList
	logger  observability.Logger
	tracer  *observability.Tracer
	metrics *Metrics
	maxBody int64
}

// Option is a functional option for configuring the Transformer.
type Option func(*Transformer)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(t *Transformer) {
		t.logger = logger
	}
}

// WithClient sets the client for plain calls. Signed calls are signed and
// then sent through it as well.
func WithClient(client backend.Client) Option {
	return func(t *Transformer) {
		t.plain = client
	}
}

// WithUploadParser replaces the multipart parser.
func WithUploadParser(parser upload.Parser) Option {
	return func(t *Transformer) {
		t.parser = parser
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer *observability.Tracer) Option {
	return func(t *Transformer) {
		t.tracer = tracer
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(t *Transformer) {
		t.metrics = metrics
	}
}

// WithAllowList sets the passthrough header allow-list.
func WithAllowList(names ...string) Option {
	return func(t *Transformer) {
		t.allow = headers.NewAllowList(names...)
	}
}

// WithMaxBodySize bounds buffered request bodies.
func WithMaxBodySize(n int64) Option {
	return func(t *Transformer) {
		t.maxBody = n
	}
}

// New creates a Transformer.
func New(opts ...Option) *Transformer {
	t := &Transformer{
		logger:  observability.NopLogger(),
		maxBody: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.tracer == nil {
		t.tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: "svcproxy"})
	}
	if t.plain == nil {
		t.plain = backend.NewPlainClient(
			backend.WithClientLogger(t.logger),
			backend.WithClientTracer(t.tracer),
		)
	}
	t.signed = backend.NewSignedClient(t.plain, nil)
	if t.parser == nil {
		t.parser = upload.NewParser(t.logger)
	}
	if t.codecs == nil {
		t.codecs = encoding.NewRegistry()
	}
	if t.allow == nil {
		t.allow = headers.NewAllowList()
	}
	return t
}

// requestContext is the per-request state of one forward.
type requestContext struct {
	route   *router.CompiledRoute
	inbound *http.Request
	logger  observability.Logger

	params      map[string]string
	path        string
	callerQuery util.Query
	target      string

	header        http.Header
	body          io.Reader
	contentLength int64
	contentType   string

	form    *upload.Form
	encoded io.ReadCloser
}

// cleanup stops the multipart encoder, if any, before removing the
// stored files. Closing the pipe unblocks an encoder nobody reads.
func (rc *requestContext) cleanup() {
	if rc.encoded != nil {
		_ = rc.encoded.Close()
	}
	rc.form.Cleanup()
}

// call builds the outbound call description.
func (rc *requestContext) call() *backend.Call {
	if rc.contentType != "" {
		rc.header.Set("Content-Type", rc.contentType)
	}
	return &backend.Call{
		Method:        rc.inbound.Method,
		URL:           rc.route.Endpoint + rc.target,
		Header:        rc.header,
		Body:          rc.body,
		ContentLength: rc.contentLength,
		Timeout:       rc.route.Timeout,
		Auth:          rc.route.Auth(),
	}
}

// Forward performs the one backend call of r on route. The result body
// must be closed; closing it also releases upload artifacts. On error
// they are released before Forward returns.
func (t *Transformer) Forward(ctx context.Context, route *router.CompiledRoute, r *http.Request) (res *backend.Result, err error) {
	rc := &requestContext{
		route:   route,
		inbound: r,
		logger: t.logger.With(
			observability.String("service", route.Service),
			observability.String("route", route.Route),
		),
	}
	defer func() {
		if err != nil {
			rc.cleanup()
		}
	}()

	if err = t.prepare(ctx, rc); err != nil {
		return nil, err
	}

	call := rc.call()
	if route.BeforeRequest != nil {
		if herr := route.BeforeRequest(ctx, r, call); herr != nil {
			return nil, NewProxyError("before_request", route.Service, route.Route,
				"beforeRequest hook failed", fmt.Errorf("%w: %w", ErrHookFailed, herr))
		}
	}

	client := t.plain
	if call.Auth != nil {
		client = t.signed
	}

	start := time.Now()
	resp, err := client.Do(ctx, call)
	t.metrics.recordBackend(route.Service, time.Since(start))
	if err != nil {
		return nil, NewProxyError("dispatch", route.Service, route.Route, "backend call failed", err)
	}

	status := resp.StatusCode
	if route.DefaultErrorCode != 0 && status >= 500 && status <= 599 {
		rc.logger.Debug("masking backend error status",
			observability.Int("backend_status", status),
			observability.Int("status", route.DefaultErrorCode),
		)
		status = route.DefaultErrorCode
	}

	return &backend.Result{
		Status: status,
		Header: resp.Header,
		Body:   &cleanupBody{ReadCloser: resp.Body, cleanup: rc.cleanup},
	}, nil
}

// prepare resolves the path, query, headers and body of the outbound call.
func (t *Transformer) prepare(ctx context.Context, rc *requestContext) error {
	route, r := rc.route, rc.inbound

	params := util.PathParamsFromContext(ctx)
	if params == nil {
		params, _ = route.Pattern.Match(r.URL.EscapedPath())
	}
	rawTarget := r.RequestURI
	if rawTarget == "" {
		rawTarget = r.URL.RequestURI()
	}
	rc.params = params
	rc.path = router.SubstitutePath(route.Path, params, route.Pattern, rawTarget)
	rc.callerQuery = util.ParseQuery(r.URL.RawQuery)

	extension := headers.Compute(ctx, route.Extensions, &headers.Input{
		Request:       r,
		Params:        params,
		Service:       route.Service,
		ServiceValues: route.ServiceValues,
	}, rc.logger)
	rc.header = headers.Assemble(t.allow.Passthrough(r.Header), extension, route.Headers)
	setForwardedHeaders(rc.header, r)

	return t.prepareBody(rc)
}

func (t *Transformer) prepareBody(rc *requestContext) error {
	route, r := rc.route, rc.inbound

	switch {
	case route.Pipe:
		if hasBody(r) {
			rc.body = r.Body
			rc.contentLength = r.ContentLength
			rc.contentType = r.Header.Get("Content-Type")
		}
		rc.placeQuery(nil)
		return nil

	case route.Upload != nil && upload.IsMultipart(r):
		form, err := t.parser.Parse(r, *route.Upload)
		if err != nil {
			return NewProxyError("parse_upload", route.Service, route.Route, "upload rejected", err)
		}
		rc.form = form
		rc.encoded, rc.contentType = upload.Encode(form)
		rc.body = rc.encoded
		rc.placeQuery(nil)
		return nil
	}

	raw, err := readLimited(r.Body, t.maxBody)
	if err != nil {
		return NewProxyError("read_body", route.Service, route.Route, "reading request body", err)
	}
	inboundType := r.Header.Get("Content-Type")

	codec, lookupErr := t.codecs.Lookup(inboundType)
	if len(raw) > 0 && lookupErr != nil {
		// Opaque bodies are forwarded byte for byte.
		rc.body = bytes.NewReader(raw)
		rc.contentLength = int64(len(raw))
		rc.contentType = pickString(route.ContentType, inboundType)
		rc.placeQuery(nil)
		return nil
	}

	var data map[string]any
	if len(raw) > 0 {
		if data, err = codec.Decode(raw); err != nil {
			return NewProxyError("decode_body", route.Service, route.Route, "malformed request body", err)
		}
	}

	if dataInQuery(r.Method, route) {
		rc.placeQuery(data)
		return nil
	}
	rc.placeQuery(nil)

	if len(raw) == 0 {
		return nil
	}

	out := codec
	if route.ContentType != "" {
		if c, err := t.codecs.Lookup(route.ContentType); err == nil {
			out = c
		}
	}
	encoded, err := out.Encode(data)
	if err != nil {
		return NewProxyError("encode_body", route.Service, route.Route, "encoding request body", err)
	}
	rc.body = bytes.NewReader(encoded)
	rc.contentLength = int64(len(encoded))
	rc.contentType = out.ContentType()
	return nil
}

// placeQuery merges the default query with the caller's query plus data,
// and sets the outbound target.
func (rc *requestContext) placeQuery(data map[string]any) {
	caller := rc.callerQuery
	if len(data) > 0 {
		caller = caller.Clone()
		extra := util.QueryFromMap(data)
		for _, k := range extra.Keys() {
			caller.Set(k, extra.Values(k)...)
		}
	}
	rc.target = util.MergeQuery(rc.path, rc.route.DefaultQuery, caller, isIdempotent(rc.inbound.Method))
}

// dataInQuery reports whether structured request data travels in the
// query string rather than the body.
func dataInQuery(method string, route *router.CompiledRoute) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	if route.DataAsQueryString != nil {
		return *route.DataAsQueryString
	}
	if method == http.MethodDelete {
		return route.UseQuerystringInDelete
	}
	return false
}

// isIdempotent selects the merge direction of the default query: callers
// may shadow defaults on reads and deletes, and override them otherwise.
func isIdempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodDelete
}

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

func readLimited(body io.Reader, limit int64) ([]byte, error) {
	if body == nil || body == http.NoBody {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		return nil, ErrBodyTooLarge
	}
	return raw, nil
}

func pickString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// setForwardedHeaders adds the X-Forwarded-* headers unless a rule set them.
func setForwardedHeaders(h http.Header, r *http.Request) {
	if h.Get("X-Forwarded-For") == "" {
		if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
				clientIP = prior + ", " + clientIP
			}
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	if h.Get("X-Forwarded-Proto") == "" {
		if r.TLS != nil {
			h.Set("X-Forwarded-Proto", "https")
		} else {
			h.Set("X-Forwarded-Proto", "http")
		}
	}
	if h.Get("X-Forwarded-Host") == "" && r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}

// cleanupBody releases upload artifacts once the response body is closed.
type cleanupBody struct {
	io.ReadCloser
	cleanup func()
}

// Close closes the body, then runs the cleanup.
func (b *cleanupBody) Close() error {
	err := b.ReadCloser.Close()
	b.cleanup()
	return err
}

// Handler returns the http.Handler serving route.
func (t *Transformer) Handler(route *router.CompiledRoute) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Serve(w, r, route)
	})
}

// Serve answers r on route: fixed status and not-found routes directly,
// everything else through one Forward.
func (t *Transformer) Serve(w http.ResponseWriter, r *http.Request, route *router.CompiledRoute) {
	kind := route.Kind.String()

	switch route.Kind {
	case router.KindFixedStatus:
		w.WriteHeader(route.Status)
		t.metrics.recordRequest(route.Service, kind, route.Status)
		return
	case router.KindNotFound:
		router.NotFound(w, r)
		t.metrics.recordRequest(route.Service, kind, http.StatusNotFound)
		return
	}

	ctx, span := t.tracer.StartSpan(r.Context(), "proxy.forward",
		trace.WithAttributes(
			attribute.String("svcproxy.service", route.Service),
			attribute.String("svcproxy.route", route.Route),
			attribute.String("svcproxy.kind", kind),
		),
	)
	defer span.End()

	logger := t.logger.With(
		observability.String("service", route.Service),
		observability.String("route", route.Route),
		observability.String("method", r.Method),
	)

	res, err := t.Forward(ctx, route, r)
	if err != nil {
		status := util.StatusForError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("proxy error", observability.Error(err), observability.Int("status", status))
		} else {
			logger.Warn("request rejected", observability.Error(err), observability.Int("status", status))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.metrics.recordError(route.Service, err)
		t.metrics.recordRequest(route.Service, kind, status)
		util.WriteJSONError(w, status, clientMessage(err, status))
		return
	}
	defer func() {
		_ = res.Close()
	}()

	sw := util.NewStatusCapturingResponseWriter(w)
	if route.AfterResponse != nil {
		if herr := route.AfterResponse(sw, r, res); herr != nil {
			hookErr := fmt.Errorf("%w: %w", ErrHookFailed, herr)
			logger.Error("beforeResponse hook failed", observability.Error(hookErr))
			t.metrics.recordError(route.Service, hookErr)
			if !sw.HeaderWritten {
				util.WriteJSONError(sw, http.StatusInternalServerError, "internal gateway error")
			}
		}
	} else {
		relay(sw, r, res, logger)
	}

	span.SetAttributes(attribute.Int("http.response.status_code", sw.StatusCode))
	t.metrics.recordRequest(route.Service, kind, sw.StatusCode)
}

// relay streams res to w, flushing after every chunk.
func relay(w http.ResponseWriter, r *http.Request, res *backend.Result, logger observability.Logger) {
	util.CopyResponseHeaders(w.Header(), res.Header)
	w.WriteHeader(res.Status)
	if res.Body == nil || r.Method == http.MethodHead {
		return
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)
	for {
		n, err := res.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug("caller went away", observability.Error(werr))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("backend response interrupted", observability.Error(err))
			}
			return
		}
	}
}
