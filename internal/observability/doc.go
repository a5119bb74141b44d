// Package observability provides logging, metrics, and tracing for the
// gateway.
//
// # Logging
//
// Logger is a thin interface over zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = logger.Sync() }()
//
//	logger.Info("instance registered",
//	    observability.String("service", "analytics"),
//	    observability.Int("port", 8002),
//	)
//
// # Metrics
//
// Gateway level request and failure metrics live in their own registry;
// Handler merges it with the default registry that component packages
// populate through promauto.
//
// # Tracing
//
// OpenTelemetry tracing with an OTLP gRPC exporter. A disabled Tracer is
// a no-op.
package observability
