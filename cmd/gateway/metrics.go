package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// gatherer merges the host registry with the serving generation's.
func (app *application) gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{
		app.metrics.Registry(),
		prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
			gen := app.current.Load()
			if gen == nil {
				return nil, nil
			}
			return gen.registry.Gather()
		}),
	}
}

// metricsHandler serves metrics and the health probes.
func (app *application) metricsHandler(path string) http.Handler {
	if path == "" {
		path = config.DefaultMetricsPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(app.gatherer(), promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/health", app.checker.HealthHandler())
	mux.HandleFunc("/ready", app.checker.ReadinessHandler())
	mux.HandleFunc("/live", app.checker.LivenessHandler())
	return mux
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application) {
	cfg := app.config.Metrics
	if !cfg.Enabled {
		return
	}

	port := cfg.Port
	if port == 0 {
		port = config.DefaultMetricsPort
	}

	addr := fmt.Sprintf(":%d", port)
	app.logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metrics_path", cfg.Path),
	)

	app.metricsServer = &http.Server{
		Addr:              addr,
		Handler:           app.metricsHandler(cfg.Path),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go runMetricsServer(app.metricsServer, app.logger)
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", observability.Error(err))
	}
}
