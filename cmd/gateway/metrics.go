package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// createMetricsServer creates the metrics HTTP server.
func createMetricsServer(path string, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())

	return &http.Server{
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// startMetricsServer serves Prometheus metrics on their own address when
// enabled.
func (app *application) startMetricsServer(ctx context.Context) error {
	cfg := app.config.Spec.Metrics
	if !cfg.Enabled {
		return nil
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", cfg.Address, err)
	}

	app.metricsServer = createMetricsServer(cfg.Path, app.metrics)
	app.metricsAddr = ln.Addr().String()
	app.logger.Info("starting metrics server",
		observability.String("address", ln.Addr().String()),
		observability.String("metrics_path", cfg.Path),
	)

	go func(server *http.Server) {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics server error", observability.Error(err))
		}
	}(app.metricsServer)
	return nil
}

// stopMetricsServer shuts the metrics server down if it is running.
func (app *application) stopMetricsServer(ctx context.Context) {
	if app.metricsServer == nil {
		return
	}
	app.logger.Info("stopping metrics server")
	if err := app.metricsServer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
	}
	app.metricsServer = nil
}
