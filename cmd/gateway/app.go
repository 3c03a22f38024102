package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/gateway"
	"github.com/vyrodovalexey/svcproxy/internal/health"
	"github.com/vyrodovalexey/svcproxy/internal/middleware"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
	"github.com/vyrodovalexey/svcproxy/internal/secrets"
	tlsconfig "github.com/vyrodovalexey/svcproxy/internal/tls"
)

// application holds all host components. Gateway generations come and go
// on reload; everything else lives for the whole process.
type application struct {
	config     *config.HostConfig
	logger     observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	resolver   *secrets.Resolver
	redis      *redis.Client
	backendTLS *tls.Config
	checker    *health.Checker
	listener   *gateway.Listener
	limiter    *middleware.RateLimiter
	reloads    *reloadMetrics

	current       atomic.Pointer[generation]
	metricsServer *http.Server
}

// newApplication builds the host components and the first gateway
// generation. Nothing listens until run.
func newApplication(ctx context.Context, cfg *config.HostConfig, logger observability.Logger) (*application, error) {
	app := &application{
		config:  cfg,
		logger:  logger,
		metrics: observability.NewMetrics(config.DefaultServiceName),
	}
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)
	app.reloads = newReloadMetrics(app.metrics.Registry())

	tracer, err := initTracer(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	app.resolver, err = secrets.NewResolverFromConfig(cfg.Secrets, logger, app.metrics.Registry())
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("failed to initialize secrets: %w", err)
	}

	if cfg.Redis != nil && cfg.Redis.Address != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	if cfg.BackendTLS != nil {
		app.backendTLS, err = tlsconfig.NewClientConfig(cfg.BackendTLS)
		if err != nil {
			app.close(ctx)
			return nil, fmt.Errorf("failed to load backend TLS: %w", err)
		}
	}

	app.limiter = middleware.NewRateLimiterFromConfig(cfg.Listen.RateLimit, logger)
	app.checker = newHealthChecker(app)
	app.listener = gateway.NewListener(cfg.Listen, nil, gateway.WithListenerLogger(logger))

	gen, err := app.buildGeneration(ctx, &cfg.Gateway)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	app.activate(gen)

	return app, nil
}

// initTracer initializes the tracer.
func initTracer(cfg config.TracingConfig) (*observability.Tracer, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = config.DefaultServiceName
	}
	return observability.NewTracer(observability.TracerConfig{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
		Insecure:     cfg.Insecure,
	})
}

func newHealthChecker(app *application) *health.Checker {
	checker := health.NewChecker(version,
		health.WithLogger(app.logger),
		health.WithMetrics(health.NewMetrics(app.metrics.Registry())),
	)
	checker.Register("gateway", health.ReadyFlag(func() bool {
		return app.current.Load() != nil
	}))
	checker.Register("secrets", app.resolver.HealthCheck, health.NonCritical())
	if app.redis != nil {
		checker.Register("redis", health.RedisCheck(app.redis), health.NonCritical())
	}
	return checker
}

// gatewayOptions returns the options shared by every generation. reg is
// the generation's own registry.
func (app *application) gatewayOptions(reg prometheus.Registerer) []gateway.Option {
	opts := []gateway.Option{
		gateway.WithLogger(app.logger),
		gateway.WithTracer(app.tracer),
		gateway.WithMetricsRegisterer(reg),
		gateway.WithSecrets(app.resolver),
		gateway.WithHeaderFunc("clientInfo", clientInfoHeaders),
		gateway.WithBeforeRequest("stripCookies", stripCookies),
	}
	if app.redis != nil {
		opts = append(opts, gateway.WithRedis(app.redis))
	}
	if app.backendTLS != nil {
		opts = append(opts,
			gateway.WithTLSConfig(app.backendTLS),
			gateway.WithHTTPClient(tlsconfig.NewHTTPClient(app.backendTLS)),
		)
	}
	return opts
}

// close releases host resources. It is safe on a partly built application.
func (app *application) close(ctx context.Context) {
	app.limiter.Stop()
	if app.resolver != nil {
		if err := app.resolver.Close(); err != nil {
			app.logger.Error("failed to close secrets resolver", observability.Error(err))
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("failed to close redis client", observability.Error(err))
		}
	}
	if app.tracer != nil {
		if err := app.tracer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to shutdown tracer", observability.Error(err))
		}
	}
}
