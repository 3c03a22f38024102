package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/gateway"
	"github.com/vyrodovalexey/svcproxy/internal/middleware"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// generation is one compiled gateway and the handler serving it. A reload
// builds a new generation and swaps it in; generations are never mutated.
type generation struct {
	gateway  *gateway.Gateway
	registry *prometheus.Registry
	handler  http.Handler
	loadedAt time.Time
}

// routeInfo is one entry of the route listing.
type routeInfo struct {
	Service string   `json:"service"`
	Route   string   `json:"route"`
	Methods []string `json:"methods"`
	Kind    string   `json:"kind"`
}

// buildGeneration compiles cfg and wires it into a fresh gin engine. The
// gateway metrics go to a registry owned by the generation, so rebuilding
// never collides with the previous one.
func (app *application) buildGeneration(ctx context.Context, cfg *config.GatewayConfig) (*generation, error) {
	registry := prometheus.NewRegistry()
	gw, err := gateway.New(ctx, cfg, app.gatewayOptions(registry)...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile gateway: %w", err)
	}

	gen := &generation{
		gateway:  gw,
		registry: registry,
		loadedAt: time.Now(),
	}

	engine := gin.New()
	engine.GET("/_gateway/routes", gen.listRoutes)

	scratch := &http.Server{Handler: engine}
	if err := gw.Mount(gateway.NewGinRegistrar(engine, gw.MuxOptions()...), gateway.NewServerApp(scratch, app.logger)); err != nil {
		return nil, fmt.Errorf("failed to mount gateway: %w", err)
	}

	gen.handler = middleware.Chain(scratch.Handler,
		middleware.Recovery(app.logger),
		middleware.RequestID(),
		middleware.Logging(app.logger),
		middleware.RateLimit(app.limiter),
		observability.TracingMiddleware(app.tracer),
		observability.MetricsMiddleware(app.metrics),
	)
	return gen, nil
}

func (gen *generation) listRoutes(c *gin.Context) {
	routes := gen.gateway.Table().Routes()
	out := make([]routeInfo, 0, len(routes))
	for _, r := range routes {
		methods := r.Methods
		if r.AllMethods() {
			methods = []string{"ALL"}
		}
		out = append(out, routeInfo{
			Service: r.Service,
			Route:   r.Route,
			Methods: methods,
			Kind:    r.Kind.String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"loadedAt": gen.loadedAt.UTC(),
		"routes":   out,
	})
}

// activate makes gen the serving generation.
func (app *application) activate(gen *generation) {
	prev := app.current.Swap(gen)
	app.listener.SetHandler(gen.handler)

	counts := gen.gateway.Table().CountByKind()
	fields := []observability.Field{
		observability.Int("routes", gen.gateway.Table().Len()),
	}
	for kind, n := range counts {
		fields = append(fields, observability.Int(kind.String(), n))
	}
	if prev == nil {
		app.logger.Info("gateway generation activated", fields...)
		return
	}
	app.logger.Info("gateway generation replaced",
		append(fields, observability.Time("previous", prev.loadedAt))...)
}
