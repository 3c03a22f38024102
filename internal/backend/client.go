package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// DefaultTimeout applies when a call sets none.
const DefaultTimeout = 60 * time.Second

// DefaultDialTimeout bounds a WebSocket backend's connect plus handshake
// when its route sets no timeout.
const DefaultDialTimeout = 10 * time.Second

// Call is one outbound backend request.
type Call struct {
	Method string
	// URL is the absolute backend URL including the merged query.
	URL    string
	Header http.Header
	Body   io.Reader
	// ContentLength is used when positive; otherwise the length is
	// derived from Body or the body is sent chunked.
	ContentLength int64
	Timeout       time.Duration
	// Auth is set on signed routes.
	Auth *Auth
}

// Client performs backend calls. The returned response body must be
// closed; closing it releases the call's timeout.
type Client interface {
	Do(ctx context.Context, call *Call) (*http.Response, error)
}

// ClientOption configures a PlainClient.
type ClientOption func(*PlainClient)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(p *PlainClient) {
		p.httpClient = c
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(p *PlainClient) {
		p.logger = logger
	}
}

// WithClientTracer sets the tracer used for call spans.
func WithClientTracer(tracer *observability.Tracer) ClientOption {
	return func(p *PlainClient) {
		p.tracer = tracer
	}
}

// PlainClient performs unsigned calls over net/http.
type PlainClient struct {
	httpClient *http.Client
	logger     observability.Logger
	tracer     *observability.Tracer
}

// NewTransport returns the transport used by default clients.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// NewPlainClient creates a PlainClient.
func NewPlainClient(opts ...ClientOption) *PlainClient {
	c := &PlainClient{
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: NewTransport(),
			// Backend redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if c.tracer == nil {
		c.tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: "svcproxy"})
	}
	return c
}

// Do implements Client. The call timeout covers the whole exchange,
// including reading the response body.
func (c *PlainClient) Do(ctx context.Context, call *Call) (*http.Response, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, span := c.tracer.StartSpan(ctx, "backend.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", call.Method),
			attribute.String("url.full", call.URL),
		),
	)
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, call.Body)
	if err != nil {
		cancel()
		span.End()
		if rc, ok := call.Body.(io.Closer); ok {
			_ = rc.Close()
		}
		return nil, &RequestError{Op: "build", URL: call.URL, Cause: err}
	}
	if call.Header != nil {
		req.Header = call.Header.Clone()
	}
	if call.Body != nil && call.ContentLength > 0 {
		req.ContentLength = call.ContentLength
	}
	observability.InjectTraceContext(ctx, req.Header)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend call failed")
		span.End()
		cancel()

		c.logger.WithContext(ctx).Debug("backend call failed",
			observability.String("method", call.Method),
			observability.String("url", call.URL),
			observability.Duration("elapsed", time.Since(start)),
			observability.Bool("timeout", timedOut),
			observability.Error(err),
		)
		return nil, &RequestError{Op: "do", URL: call.URL, Timeout: timedOut, Limit: timeout, Cause: err}
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel, span: span}
	return resp, nil
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cancelOnClose ends the call's context and span when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	span   trace.Span
	once   sync.Once
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.cancel()
		b.span.End()
	})
	return err
}
