package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/svcproxy/internal/config"
	"github.com/vyrodovalexey/svcproxy/internal/observability"
)

// runGateway serves until SIGINT or SIGTERM and then shuts down.
func runGateway(app *application, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.listener.Start(ctx); err != nil {
		app.logger.Fatal("failed to start listener", observability.Error(err))
	}

	startMetricsServerIfEnabled(app)
	watcher := startConfigWatcher(ctx, app, configPath)

	waitForShutdown(app, watcher)
}

// waitForShutdown waits for a shutdown signal and stops every component.
func waitForShutdown(app *application, watcher *config.Watcher) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	shutdown(app, watcher)
}

// shutdown stops the watcher, the servers and the host clients in that
// order, bounded by the configured shutdown timeout.
func shutdown(app *application, watcher *config.Watcher) {
	timeout := app.config.Listen.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			app.logger.Warn("failed to stop config watcher", observability.Error(err))
		}
		app.reloads.watcherStatus.Set(0)
	}

	if app.metricsServer != nil {
		app.logger.Info("stopping metrics server")
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if err := app.listener.Stop(ctx); err != nil {
		app.logger.Error("failed to stop listener gracefully", observability.Error(err))
	}

	app.close(ctx)
	app.logger.Info("gateway stopped")
}
