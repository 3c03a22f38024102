package router

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcproxy/internal/backend"
	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/headers"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/secrets"
	"github.com/vyrodovalexey/svcproxy/internal/signing"
	"github.com/vyrodovalexey/svcproxy/internal/upload"
	"github.com/vyrodovalexey/svcproxy/internal/util"
)

// CompilerOption configures a Compiler.
type CompilerOption func(*Compiler)

// WithCompilerLogger sets the logger.
func WithCompilerLogger(logger observability.Logger) CompilerOption {
	return func(c *Compiler) {
		c.logger = logger
	}
}

// WithSecretResolver sets the resolver for secret:// credentials.
func WithSecretResolver(r *secrets.Resolver) CompilerOption {
	return func(c *Compiler) {
		c.secrets = r
	}
}

// WithSigners sets the signer registry.
func WithSigners(r signing.Registry) CompilerOption {
	return func(c *Compiler) {
		c.signers = r
	}
}

// WithHeaderFuncs sets the registry of named header functions.
func WithHeaderFuncs(funcs map[string]headers.Func) CompilerOption {
	return func(c *Compiler) {
		c.headerFuncs = funcs
	}
}

// WithRedisClient sets the client used by redis header sources.
func WithRedisClient(rdb redis.Cmdable) CompilerOption {
	return func(c *Compiler) {
		c.redis = rdb
	}
}

// WithBeforeRequestHooks sets the registry of named pre-call hooks.
func WithBeforeRequestHooks(hooks map[string]backend.BeforeRequestFunc) CompilerOption {
	return func(c *Compiler) {
		c.before = hooks
	}
}

// WithAfterResponseHooks sets the registry of named post-call hooks.
func WithAfterResponseHooks(hooks map[string]backend.AfterResponseFunc) CompilerOption {
	return func(c *Compiler) {
		c.after = hooks
	}
}

// Compiler turns gateway configuration into a RouteTable.
type Compiler struct {
	logger      observability.Logger
	secrets     *secrets.Resolver
	signers     signing.Registry
	headerFuncs map[string]headers.Func
	redis       redis.Cmdable
	before      map[string]backend.BeforeRequestFunc
	after       map[string]backend.AfterResponseFunc

	builder *headers.Builder
}

// NewCompiler creates a Compiler. Without a secret resolver, secret
// references are looked up in the environment only.
func NewCompiler(opts ...CompilerOption) (*Compiler, error) {
	c := &Compiler{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = observability.NopLogger()
	}
	if c.secrets == nil {
		c.secrets = secrets.NewResolver(c.logger,
			secrets.NewEnvProvider(&secrets.EnvProviderConfig{Logger: c.logger}))
	}
	if c.signers == nil {
		c.signers = signing.NewRegistry()
	}

	builder, err := headers.NewBuilder(c.headerFuncs, c.redis)
	if err != nil {
		return nil, err
	}
	c.builder = builder
	return c, nil
}

// Compile builds the route table for cfg. It fails on the first invalid
// rule; no partial table is returned.
func (c *Compiler) Compile(ctx context.Context, cfg *config.GatewayConfig) (*RouteTable, error) {
	gatewayPrefix := pick(cfg.Prefix, config.DefaultPrefix)

	var routes []*CompiledRoute
	for _, svc := range cfg.Service {
		compiled, err := c.compileService(ctx, cfg, svc, gatewayPrefix)
		if err != nil {
			return nil, err
		}
		routes = append(routes, compiled...)
	}

	table := newRouteTable(routes)
	c.logger.Info("route table compiled",
		observability.Int("services", len(cfg.Service)),
		observability.Int("routes", table.Len()),
		observability.Int("websocket", len(table.websocket)),
	)
	return table, nil
}

// serviceCompile holds per-service state while its rules are compiled.
type serviceCompile struct {
	cfg    *config.GatewayConfig
	svc    *config.ServiceConfig
	prefix string
	seen   map[string]bool
}

func (c *Compiler) compileService(
	ctx context.Context,
	cfg *config.GatewayConfig,
	svc *config.ServiceConfig,
	gatewayPrefix string,
) ([]*CompiledRoute, error) {
	if svc.Name == "" {
		return nil, &ConfigurationError{Message: "service name is required"}
	}

	prefix := gatewayPrefix
	if svc.RoutePrefix != nil {
		prefix = *svc.RoutePrefix
	}
	sc := &serviceCompile{cfg: cfg, svc: svc, prefix: prefix, seen: make(map[string]bool)}

	var routes []*CompiledRoute

	for _, ex := range svc.Exclude {
		route, err := c.compileExclude(sc, ex)
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}

	rules := svc.API
	if len(rules) == 0 {
		rules = []config.Rule{{Path: "/*"}}
	}
	for i := range rules {
		route, err := c.compileRule(ctx, sc, &rules[i])
		if err != nil {
			return nil, err
		}
		routes = append(routes, route)
	}

	catchAll, err := CompilePattern(joinPath(prefix, svc.Name, "/*"))
	if err != nil {
		return nil, &ConfigurationError{Service: svc.Name, Message: "invalid route prefix", Cause: err}
	}
	routes = append(routes, &CompiledRoute{
		Service: svc.Name,
		Route:   catchAll.String(),
		Pattern: catchAll,
		Kind:    KindNotFound,
	})

	c.logger.Debug("service compiled",
		observability.String("service", svc.Name),
		observability.String("prefix", prefix),
		observability.Int("routes", len(routes)),
	)
	return routes, nil
}

func (c *Compiler) compileExclude(sc *serviceCompile, ex config.ExcludeEntry) (*CompiledRoute, error) {
	path := normalizePath(ex.Path)
	if path == "" {
		return nil, &ConfigurationError{Service: sc.svc.Name, Message: "exclude entry has no path"}
	}

	var methods []string
	if ex.Method != "" && !strings.EqualFold(ex.Method, MethodAll) {
		m, err := normalizeMethods([]string{ex.Method})
		if err != nil {
			return nil, &ConfigurationError{Service: sc.svc.Name, Rule: path, Message: "invalid exclude method", Cause: err}
		}
		methods = m
	}

	pattern, err := CompilePattern(joinPath(sc.prefix, sc.svc.Name, path))
	if err != nil {
		return nil, &ConfigurationError{Service: sc.svc.Name, Rule: path, Message: "invalid exclude path", Cause: err}
	}
	return &CompiledRoute{
		Service: sc.svc.Name,
		Route:   pattern.String(),
		Pattern: pattern,
		Path:    path,
		Methods: methods,
		Kind:    KindNotFound,
	}, nil
}

//nolint:gocyclo // the rule precedence chain is linear but long
func (c *Compiler) compileRule(ctx context.Context, sc *serviceCompile, rule *config.Rule) (*CompiledRoute, error) {
	svc := sc.svc
	fail := func(msg string, cause error) error {
		return &ConfigurationError{Service: svc.Name, Rule: rule.Path, Message: msg, Cause: cause}
	}

	path := normalizePath(rule.Path)
	if path == "" {
		return nil, fail("path is required", nil)
	}

	kind, err := resolveKind(pick(rule.Client, svc.Client, config.ClientAppClient))
	if err != nil {
		return nil, fail("invalid client", err)
	}
	if rule.Status != 0 {
		if rule.Status < 100 || rule.Status > 999 {
			return nil, fail(fmt.Sprintf("status %d is not a valid HTTP status", rule.Status), nil)
		}
		kind = KindFixedStatus
	}

	routeSource := joinPath(sc.prefix, svc.Name, path)
	if rule.Route != "" {
		routeSource = normalizePath(rule.Route)
	}
	pattern, err := CompilePattern(routeSource)
	if err != nil {
		return nil, fail("invalid path", err)
	}
	if (pattern.HasWildcard() || strings.Contains(path, "*")) && !svc.AllowWildcard {
		return nil, fail("wildcard paths require allowWildcard on the service", nil)
	}

	methods, err := c.resolveMethods(rule, kind)
	if err != nil {
		return nil, fail("invalid method", err)
	}

	route := &CompiledRoute{
		Service:       svc.Name,
		Route:         routeSource,
		Pattern:       pattern,
		Path:          path,
		Methods:       methods,
		Kind:          kind,
		Status:        rule.Status,
		Pipe:          rule.Pipe,
		ServiceValues: svc.Values,
	}

	if err := sc.claim(route); err != nil {
		return nil, fail(err.Error(), nil)
	}

	if kind == KindFixedStatus {
		return route, nil
	}

	route.Endpoint = strings.TrimRight(pick(rule.ResolvedEndpoint(), svc.ResolvedEndpoint()), "/")
	if route.Endpoint == "" {
		return nil, fail(fmt.Sprintf("no endpoint configured for service %s", svc.Name), nil)
	}
	if err := util.ValidateURL(route.Endpoint); err != nil {
		return nil, fail("invalid endpoint", err)
	}

	if rule.File.IsEnabled() {
		if kind.IsWebSocket() {
			return nil, fail("uploads are not supported on websocket routes", nil)
		}
		policy := upload.PolicyFromConfig(rule.File)
		if policy.Storage != "" && policy.Storage != config.StorageMemory && policy.Storage != config.StorageDisk {
			return nil, fail(fmt.Sprintf("unknown upload storage %q", policy.Storage), nil)
		}
		route.Upload = &policy
	}

	if kind.IsSigned() {
		if err := c.resolveSigning(ctx, sc, rule, route); err != nil {
			return nil, fail("invalid credentials", err)
		}
	}

	specs := rule.HeaderExtension
	if len(specs) == 0 {
		specs = svc.HeaderExtension
	}
	if route.Extensions, err = c.builder.Build(specs); err != nil {
		return nil, fail("invalid header extension", err)
	}

	opts := mergeCallOptions(svc.CallOptions, rule.CallOptions)
	route.Headers = mergeHeaders(svc.Headers, rule.Headers, opts.Headers)
	fallback := backend.DefaultTimeout
	if route.Kind.IsWebSocket() {
		fallback = backend.DefaultDialTimeout
	}
	route.Timeout = pick(opts.Timeout.Duration(), rule.Timeout.Duration(), svc.Timeout.Duration(), fallback)
	route.DataAsQueryString = opts.DataAsQueryString
	route.ContentType = opts.ContentType

	route.DefaultQuery = rule.DefaultQuery.Clone()
	if route.DefaultQuery.Len() == 0 {
		route.DefaultQuery = svc.DefaultQuery.Clone()
	}

	route.UseQuerystringInDelete = pickBool(true, rule.UseQuerystringInDelete, svc.UseQuerystringInDelete)
	route.IgnoreFromMarker = pickBool(false, rule.IgnoreFromMarker, svc.IgnoreFromMarker)

	route.DefaultErrorCode = pick(rule.DefaultErrorCode, svc.DefaultErrorCode)
	if route.DefaultErrorCode != 0 && (route.DefaultErrorCode < 100 || route.DefaultErrorCode > 999) {
		return nil, fail(fmt.Sprintf("defaultErrorCode %d is not a valid HTTP status", route.DefaultErrorCode), nil)
	}

	if rule.BeforeRequest != "" {
		hook, ok := c.before[rule.BeforeRequest]
		if !ok {
			return nil, fail(fmt.Sprintf("unknown beforeRequest hook %q", rule.BeforeRequest), nil)
		}
		route.BeforeRequest = hook
	}
	if rule.BeforeResponse != "" {
		hook, ok := c.after[rule.BeforeResponse]
		if !ok {
			return nil, fail(fmt.Sprintf("unknown beforeResponse hook %q", rule.BeforeResponse), nil)
		}
		route.AfterResponse = hook
	}

	return route, nil
}

func (c *Compiler) resolveMethods(rule *config.Rule, kind AdapterKind) ([]string, error) {
	var methods []string
	switch {
	case len(rule.Method) > 0:
		if slices.ContainsFunc(rule.Method, func(m string) bool { return strings.EqualFold(m, MethodAll) }) {
			methods = nil
		} else {
			m, err := normalizeMethods(rule.Method)
			if err != nil {
				return nil, err
			}
			methods = m
		}
	case rule.File.IsEnabled():
		methods = []string{http.MethodPost}
	case kind.IsWebSocket():
		methods = []string{http.MethodGet}
	}

	if !rule.File.IsEnabled() {
		return methods, nil
	}
	if methods == nil {
		return []string{http.MethodPost, http.MethodPut}, nil
	}
	for _, m := range methods {
		if m != http.MethodPost && m != http.MethodPut && m != http.MethodPatch {
			return nil, fmt.Errorf("uploads are not accepted on %s", m)
		}
	}
	return methods, nil
}

func (c *Compiler) resolveSigning(
	ctx context.Context,
	sc *serviceCompile,
	rule *config.Rule,
	route *CompiledRoute,
) error {
	id, err := c.secrets.Resolve(ctx, pick(rule.AccessKeyID, sc.svc.AccessKeyID, sc.cfg.AccessKeyID))
	if err != nil {
		return err
	}
	secret, err := c.secrets.Resolve(ctx, pick(rule.AccessKeySecret, sc.svc.AccessKeySecret, sc.cfg.AccessKeySecret))
	if err != nil {
		return err
	}
	route.Credentials = signing.Credentials{AccessKeyID: id, AccessKeySecret: secret}
	if err := route.Credentials.Validate(); err != nil {
		return err
	}

	route.Signer, err = c.signers.Get(pick(rule.Signer, sc.svc.Signer))
	return err
}

// claim records the route's method and pattern pairs and fails on a
// duplicate within the service.
func (sc *serviceCompile) claim(route *CompiledRoute) error {
	methods := route.Methods
	if methods == nil {
		methods = SupportedMethods
	}
	for _, m := range methods {
		key := m + " " + route.Route
		if sc.seen[key] {
			return fmt.Errorf("duplicate route %s %s", m, route.Route)
		}
	}
	for _, m := range methods {
		sc.seen[m+" "+route.Route] = true
	}
	return nil
}

func resolveKind(client string) (AdapterKind, error) {
	switch client {
	case config.ClientAppClient, config.ClientServiceClient:
		return KindSignedService, nil
	case config.ClientHTTP:
		return KindPlainHTTP, nil
	case config.ClientWebSocket:
		return KindWebSocket, nil
	case config.ClientServiceWebSocket:
		return KindSignedWebSocket, nil
	default:
		return 0, fmt.Errorf("unknown client %q", client)
	}
}

func normalizeMethods(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.ToUpper(strings.TrimSpace(m))
		if !slices.Contains(SupportedMethods, m) {
			return nil, fmt.Errorf("unsupported method %q", m)
		}
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func mergeCallOptions(layers ...*config.CallOptions) config.CallOptions {
	var out config.CallOptions
	for _, l := range layers {
		if l == nil {
			continue
		}
		if l.Timeout != 0 {
			out.Timeout = l.Timeout
		}
		if l.DataAsQueryString != nil {
			out.DataAsQueryString = l.DataAsQueryString
		}
		if l.ContentType != "" {
			out.ContentType = l.ContentType
		}
		if len(l.Headers) > 0 {
			out.Headers = mergeHeaders(out.Headers, l.Headers)
		}
	}
	return out
}

// mergeHeaders merges maps left to right; later maps win.
func mergeHeaders(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, l := range layers {
		for k, v := range l {
			out[http.CanonicalHeaderKey(k)] = v
		}
	}
	return out
}

// pick returns the first non-zero value, in precedence order.
func pick[T comparable](values ...T) T {
	var zero T
	for _, v := range values {
		if v != zero {
			return v
		}
	}
	return zero
}

// pickBool returns the first set flag, or def.
func pickBool(def bool, values ...*bool) bool {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return def
}

// normalizePath adds a leading slash and trims a trailing one.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// joinPath joins route parts with single slashes. A root path adds nothing.
func joinPath(parts ...string) string {
	var sb strings.Builder
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part == "" {
			continue
		}
		sb.WriteByte('/')
		sb.WriteString(part)
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}
