package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// reloadTimeout bounds compiling one configuration generation.
const reloadTimeout = 30 * time.Second

// reloadMetrics holds Prometheus metrics for configuration reloads.
type reloadMetrics struct {
	reloadTotal       *prometheus.CounterVec
	reloadDuration    prometheus.Histogram
	reloadLastSuccess prometheus.Gauge
	watcherStatus     prometheus.Gauge
}

func newReloadMetrics(reg prometheus.Registerer) *reloadMetrics {
	factory := promauto.With(reg)
	return &reloadMetrics{
		reloadTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "svcproxy",
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		reloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "svcproxy",
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		reloadLastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "svcproxy",
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
		watcherStatus: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "svcproxy",
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
	}
}

// reload compiles the changed gateway section into a new generation and
// swaps it in. On error the serving generation stays in place and the
// watcher keeps the previous configuration as its baseline.
func (app *application) reload(change config.Change) error {
	start := time.Now()
	app.logger.Info("configuration changed, reloading gateway")

	if len(change.Restart) > 0 {
		app.logger.Warn("configuration sections changed that apply only after a restart",
			observability.Any("sections", change.Restart),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()

	gen, err := app.buildGeneration(ctx, &change.Current.Gateway)
	app.reloads.reloadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		app.reloads.reloadTotal.WithLabelValues("error").Inc()
		app.logger.Error("failed to reload gateway, keeping current routes", observability.Error(err))
		return err
	}

	app.activate(gen)
	app.reloads.reloadTotal.WithLabelValues("success").Inc()
	app.reloads.reloadLastSuccess.SetToCurrentTime()
	return nil
}

// startConfigWatcher starts the configuration watcher. A watcher that
// fails to start leaves the gateway serving its initial configuration.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, app.reload,
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(error) {
			app.reloads.reloadTotal.WithLabelValues("invalid").Inc()
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}

	app.reloads.watcherStatus.Set(1)
	return watcher
}
