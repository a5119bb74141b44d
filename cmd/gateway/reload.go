package main

import (
	"context"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// startConfigWatcher starts watching the configuration file for changes.
// A watcher that cannot start is logged and the gateway keeps running on
// the loaded configuration.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(cfg *config.GatewayConfig) { app.reload(ctx, cfg) },
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(err error) {
			app.metrics.RecordConfigReload(false)
			app.logger.Error("configuration reload rejected", observability.Error(err))
		}),
	)
	if err != nil {
		app.logger.Error("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Error("failed to start config watcher", observability.Error(err))
		return nil
	}

	return watcher
}

// reload applies a new configuration. The service catalog, breaker and
// retry policies, probe settings and static instances follow the file;
// listener, registry and rate limit settings need a restart.
func (app *application) reload(ctx context.Context, cfg *config.GatewayConfig) {
	if err := app.gateway.Reload(cfg); err != nil {
		app.metrics.RecordConfigReload(false)
		app.logger.Error("failed to reload configuration", observability.Error(err))
		return
	}

	app.prober.SetServiceProbes(serviceProbes(cfg))
	app.syncStaticInstances(ctx, cfg)

	app.metrics.RecordConfigReload(true)
	app.logger.Info("configuration reloaded",
		observability.Strings("services", app.router.Services()),
	)
}
