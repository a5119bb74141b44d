// Package backend selects and watches the instances behind each logical
// service.
//
// # Health checking
//
// HealthChecker keeps one prober goroutine per registered instance. A probe
// is an HTTP GET of the service health path, decoded into a HealthPayload,
// or a grpc.health.v1 check for gRPC services:
//
//	hc := backend.NewHealthChecker(reg, cfg.Spec.HealthCheck,
//	    backend.WithHealthCheckLogger(logger))
//	hc.Start(ctx)
//	defer hc.Stop()
//
// One failed probe marks the instance unhealthy; DeregisterAfter
// consecutive failures remove it from the registry.
//
// # Load balancing
//
// LoadBalancer.Pick rotates over the healthy instances of a service:
//
//	lb := backend.NewLoadBalancer(reg, logger)
//	inst, err := lb.Pick(ctx, "analytics")
//	if errors.Is(err, backend.ErrNoHealthyInstance) {
//	    // 503
//	}
package backend
