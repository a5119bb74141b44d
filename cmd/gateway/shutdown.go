package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// runGateway starts the application, waits for SIGINT or SIGTERM and
// shuts everything down.
func runGateway(ctx context.Context, app *application, configPath string) error {
	if err := app.start(ctx); err != nil {
		app.shutdown(context.Background(), nil)
		return err
	}

	watcher := startConfigWatcher(ctx, app, configPath)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	app.logger.Info("received shutdown signal")

	app.shutdown(context.Background(), watcher)
	return nil
}

// start brings up the background components and the listeners.
func (app *application) start(ctx context.Context) error {
	app.syncStaticInstances(ctx, app.config)
	app.prober.Start(ctx)

	if err := app.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if app.snapshotter != nil {
		app.snapshotter.Start(ctx)
	}

	if err := app.startMetricsServer(ctx); err != nil {
		return err
	}

	app.logger.Info("emsgw started",
		observability.String("version", version),
		observability.String("address", app.gateway.Address()),
		observability.Strings("services", app.router.Services()),
	)
	return nil
}

// shutdown drains and stops every component. Readiness turns unready
// first so load balancers stop sending traffic before the listener closes.
func (app *application) shutdown(ctx context.Context, watcher *config.Watcher) {
	timeout := app.gateway.Config().Spec.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	app.readiness.SetDraining(true)

	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			app.logger.Warn("failed to stop config watcher", observability.Error(err))
		}
	}

	if app.gateway.IsRunning() {
		if err := app.gateway.Stop(ctx); err != nil {
			app.logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	app.stopMetricsServer(ctx)

	if app.snapshotter != nil {
		app.snapshotter.Stop()
	}
	app.prober.Stop()
	app.stopAgents(ctx)

	if err := app.tracer.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.closeStores()

	app.logger.Info("emsgw stopped")
}
