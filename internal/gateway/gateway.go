package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/proxy"
	"github.com/vyrodovalexey/svcproxy/internal/router"
	"github.com/vyrodovalexey/svcproxy/internal/secrets"
	"github.com/vyrodovalexey/svcproxy/internal/signing"
	"github.com/vyrodovalexey/svcproxy/internal/tunnel"
	"github.com/vyrodovalexey/svcproxy/internal/upload"
)

// Gateway is one compiled gateway instance: its route table, transformer
// and tunnel manager. It holds no process-wide state.
type Gateway struct {
	config *config.GatewayConfig
	logger observability.Logger
	tracer *observability.Tracer
	reg    prometheus.Registerer

	headerFuncs   map[string]headers.Func
	beforeRequest map[string]backend.BeforeRequestFunc
	afterResponse map[string]backend.AfterResponseFunc
	signers       []signing.Signer
	resolver      *secrets.Resolver
	rdb           redis.Cmdable
	httpClient    *http.Client
	parser        upload.Parser
	tlsConfig     *tls.Config
	maxBody       int64

	table         *router.RouteTable
	routerMetrics *router.Metrics
	transformer   *proxy.Transformer
	tunnels       *tunnel.Manager
	mounted       atomic.Bool
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithTracer sets the tracer for forwards and tunnel setup.
func WithTracer(tracer *observability.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithMetricsRegisterer registers the gateway metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.reg = reg
	}
}

// WithHeaderFunc registers a header computation for headerExtension
// entries naming it.
func WithHeaderFunc(name string, fn headers.Func) Option {
	return func(g *Gateway) {
		if g.headerFuncs == nil {
			g.headerFuncs = make(map[string]headers.Func)
		}
		g.headerFuncs[name] = fn
	}
}

// WithBeforeRequest registers a beforeRequest hook by name.
func WithBeforeRequest(name string, fn backend.BeforeRequestFunc) Option {
	return func(g *Gateway) {
		if g.beforeRequest == nil {
			g.beforeRequest = make(map[string]backend.BeforeRequestFunc)
		}
		g.beforeRequest[name] = fn
	}
}

// WithAfterResponse registers a beforeResponse hook by name.
func WithAfterResponse(name string, fn backend.AfterResponseFunc) Option {
	return func(g *Gateway) {
		if g.afterResponse == nil {
			g.afterResponse = make(map[string]backend.AfterResponseFunc)
		}
		g.afterResponse[name] = fn
	}
}

// WithSigners adds signers selectable by a rule's signer field.
func WithSigners(signers ...signing.Signer) Option {
	return func(g *Gateway) {
		g.signers = append(g.signers, signers...)
	}
}

// WithSecrets sets the resolver for secret:// credential references.
func WithSecrets(r *secrets.Resolver) Option {
	return func(g *Gateway) {
		g.resolver = r
	}
}

// WithRedis sets the client used by redis header extensions.
func WithRedis(rdb redis.Cmdable) Option {
	return func(g *Gateway) {
		g.rdb = rdb
	}
}

// WithHTTPClient sets the HTTP client for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = c
	}
}

// WithUploadParser replaces the multipart parser.
func WithUploadParser(p upload.Parser) Option {
	return func(g *Gateway) {
		g.parser = p
	}
}

// WithTLSConfig sets the client TLS configuration for wss backends.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(g *Gateway) {
		g.tlsConfig = cfg
	}
}

// WithMaxBodySize bounds buffered request bodies.
func WithMaxBodySize(n int64) Option {
	return func(g *Gateway) {
		g.maxBody = n
	}
}

// New compiles cfg into a gateway. Every configuration error surfaces
// here; nothing is registered until Mount.
func New(ctx context.Context, cfg *config.GatewayConfig, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	g := &Gateway{
		config: cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.tracer == nil {
		g.tracer, _ = observability.NewTracer(observability.TracerConfig{ServiceName: config.DefaultServiceName})
	}

	compilerOpts := []router.CompilerOption{
		router.WithCompilerLogger(g.logger),
		router.WithSigners(signing.NewRegistry(g.signers...)),
		router.WithHeaderFuncs(g.headerFuncs),
		router.WithBeforeRequestHooks(g.beforeRequest),
		router.WithAfterResponseHooks(g.afterResponse),
	}
	if g.resolver != nil {
		compilerOpts = append(compilerOpts, router.WithSecretResolver(g.resolver))
	}
	if g.rdb != nil {
		compilerOpts = append(compilerOpts, router.WithRedisClient(g.rdb))
	}

	compiler, err := router.NewCompiler(compilerOpts...)
	if err != nil {
		return nil, err
	}
	table, err := compiler.Compile(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.table = table

	g.routerMetrics = router.NewMetrics(g.reg)
	g.routerMetrics.SetTable(table)

	g.transformer = proxy.New(g.transformerOptions()...)

	g.tunnels, err = tunnel.NewManager(table.WebSocket(),
		tunnel.WithLogger(g.logger),
		tunnel.WithTracer(g.tracer),
		tunnel.WithMetrics(tunnel.NewMetrics(g.reg)),
		tunnel.WithMountPrefix(cfg.MountPrefix),
		tunnel.WithTLSConfig(g.tlsConfig),
	)
	if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *Gateway) transformerOptions() []proxy.Option {
	opts := []proxy.Option{
		proxy.WithLogger(g.logger),
		proxy.WithTracer(g.tracer),
		proxy.WithMetrics(proxy.NewMetrics(g.reg)),
		proxy.WithAllowList(g.config.Headers...),
	}
	if g.httpClient != nil {
		opts = append(opts, proxy.WithClient(backend.NewPlainClient(
			backend.WithHTTPClient(g.httpClient),
			backend.WithClientLogger(g.logger),
			backend.WithClientTracer(g.tracer),
		)))
	}
	if g.parser != nil {
		opts = append(opts, proxy.WithUploadParser(g.parser))
	}
	if g.maxBody > 0 {
		opts = append(opts, proxy.WithMaxBodySize(g.maxBody))
	}
	return opts
}

// Table returns the compiled route table.
func (g *Gateway) Table() *router.RouteTable {
	return g.table
}

// MuxOptions returns options wiring a router.Mux into the gateway
// metrics.
func (g *Gateway) MuxOptions() []router.MuxOption {
	return []router.MuxOption{router.WithMuxMetrics(g.routerMetrics)}
}

// Mount registers every HTTP route with reg in table order and installs
// the tunnel manager on the app's server exactly once.
func (g *Gateway) Mount(reg Registrar, app App) error {
	if reg == nil {
		return ErrNilRegistrar
	}
	if app == nil {
		return ErrNilApp
	}
	if !g.mounted.CompareAndSwap(false, true) {
		return ErrAlreadyMounted
	}

	for _, route := range g.table.HTTP() {
		if err := g.register(reg, route); err != nil {
			return err
		}
	}

	if g.tunnels.Len() > 0 {
		app.OnReady(func(srv *http.Server) {
			next := srv.Handler
			if next == nil {
				next = http.DefaultServeMux
			}
			srv.Handler = g.tunnels.Intercept(next)
			app.Logger().Debug("websocket tunnel manager installed",
				observability.Int("routes", g.tunnels.Len()),
			)
		})
	}

	counts := g.table.CountByKind()
	g.logger.Info("gateway mounted",
		observability.Int("routes", g.table.Len()),
		observability.Int("websocket_routes", g.tunnels.Len()),
		observability.Int("not_found_routes", counts[router.KindNotFound]),
		observability.String("prefix", g.config.Prefix),
	)
	return nil
}

func (g *Gateway) register(reg Registrar, route *router.CompiledRoute) error {
	h := g.transformer.Handler(route)
	if route.AllMethods() {
		if err := reg.Any(route.Route, h); err != nil {
			return fmt.Errorf("registering ALL %s: %w", route.Route, err)
		}
		return nil
	}
	for _, method := range route.Methods {
		if err := reg.Handle(method, route.Route, h); err != nil {
			return fmt.Errorf("registering %s %s: %w", method, route.Route, err)
		}
	}
	return nil
}

// Intercept wraps next with the tunnel manager, for hosts that build
// their own server handler instead of using Mount's App hook.
func (g *Gateway) Intercept(next http.Handler) http.Handler {
	return g.tunnels.Intercept(next)
}
