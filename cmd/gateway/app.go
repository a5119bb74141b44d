package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/emsgw/internal/backend"
	"github.com/vyrodovalexey/emsgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/gateway"
	"github.com/vyrodovalexey/emsgw/internal/health"
	"github.com/vyrodovalexey/emsgw/internal/middleware"
	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/proxy"
	"github.com/vyrodovalexey/emsgw/internal/ratelimit"
	"github.com/vyrodovalexey/emsgw/internal/registry"
	"github.com/vyrodovalexey/emsgw/internal/retry"
)

// redisConnectRetries bounds the initial connection attempts to Redis.
const redisConnectRetries = 5

// application holds all application components.
type application struct {
	config        *config.GatewayConfig
	logger        observability.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	redisClient   *redis.Client
	registry      registry.Registry
	pool          *backend.ConnectionPool
	prober        *backend.HealthChecker
	breakers      *circuitbreaker.Registry
	router        *gateway.Router
	readiness     *health.Checker
	handler       *gateway.Handler
	gateway       *gateway.Gateway
	snapshotter   *gateway.Snapshotter
	metricsServer *http.Server
	metricsAddr   string

	agentsMu sync.Mutex
	agents   map[string]*registry.Agent
}

// initApplication initializes all application components. Nothing is
// started yet; see runGateway.
func initApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		agents: make(map[string]*registry.Agent),
	}

	app.metrics = observability.NewMetrics(cfg.Spec.Metrics.Namespace)
	app.metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(ctx, observability.TracerConfig{
		Enabled:      cfg.Spec.Tracing.Enabled,
		ServiceName:  cfg.Spec.Tracing.ServiceName,
		OTLPEndpoint: cfg.Spec.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Spec.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	if err := app.initRegistry(ctx); err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	app.pool = backend.NewConnectionPool(backend.DefaultPoolConfig())
	app.prober = backend.NewHealthChecker(app.registry, cfg.Spec.HealthCheck,
		backend.WithHealthCheckLogger(logger),
		backend.WithServiceProbes(serviceProbes(cfg)),
		backend.WithHealthStatusCallback(func(inst registry.ServiceInstance, healthy bool) {
			logger.Debug("instance health changed",
				observability.String("service", inst.Service),
				observability.String("instance_id", inst.ID),
				observability.Bool("healthy", healthy),
			)
		}),
	)

	app.breakers = circuitbreaker.NewRegistry(
		circuitbreaker.DefaultConfig(),
		observability.Zap(logger),
	)

	wsProxy := proxy.NewWebSocketProxy(proxy.WithWebSocketLogger(logger))
	app.router = gateway.NewRouter(
		app.registry,
		backend.NewLoadBalancer(app.registry, logger),
		app.breakers,
		retry.NewExecutor(observability.Zap(logger)),
		proxy.NewForwarder(app.pool.Client(), proxy.WithForwarderLogger(logger)),
		gateway.WithRouterLogger(logger),
		gateway.WithTracer(tracer),
		gateway.WithMetrics(app.metrics),
		gateway.WithWebSocketDialer(wsProxy),
	)
	app.router.Configure(cfg.Spec)

	app.readiness = health.NewChecker(version, health.WithLogger(observability.Zap(logger)))
	app.readiness.RegisterCheck("registry", true, health.PingCheck(app.registry))

	app.handler = gateway.NewHandler(app.router, app.registry,
		gateway.WithHandlerLogger(logger),
		gateway.WithInstanceStates(app.prober),
		gateway.WithWebSocketServer(wsProxy),
		gateway.WithReadiness(app.readiness),
		gateway.WithAPIPrefix(cfg.Spec.Server.APIPrefix),
	)

	chain, err := app.buildMiddlewareChain(app.handler.Engine())
	if err != nil {
		app.closeStores()
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	app.gateway, err = gateway.New(cfg, chain,
		gateway.WithLogger(logger),
		gateway.WithRouter(app.router),
	)
	if err != nil {
		app.closeStores()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	if app.redisClient != nil {
		app.snapshotter = gateway.NewSnapshotter(
			app.router,
			app.redisClient,
			cfg.Spec.Registry.Redis.KeyPrefix,
			cfg.Spec.HealthCheck.SnapshotInterval.Duration(),
			cfg.Spec.HealthCheck.SnapshotTTL.Duration(),
			logger,
		)
	}

	return app, nil
}

// needsRedis reports whether any component is backed by the shared store.
func needsRedis(cfg *config.GatewayConfig) bool {
	return cfg.Spec.Registry.Type == config.RegistryTypeRedis ||
		(cfg.Spec.RateLimit.Enabled && cfg.Spec.RateLimit.Store == config.RateLimitStoreRedis)
}

// initRegistry connects to Redis when needed and creates the service
// registry store.
func (app *application) initRegistry(ctx context.Context) error {
	spec := app.config.Spec.Registry
	ttl := spec.LivenessTimeout.Duration()

	if needsRedis(app.config) {
		client, err := registry.NewRedisClient(ctx, registry.RedisOptions{
			Address:        spec.Redis.Address,
			Password:       spec.Redis.Password,
			DB:             spec.Redis.DB,
			PoolSize:       spec.Redis.PoolSize,
			DialTimeout:    spec.Redis.DialTimeout.Duration(),
			ReadTimeout:    spec.Redis.ReadTimeout.Duration(),
			WriteTimeout:   spec.Redis.WriteTimeout.Duration(),
			ConnectRetries: redisConnectRetries,
		}, app.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.redisClient = client
	}

	if spec.Type == config.RegistryTypeRedis {
		app.registry = registry.NewRedisRegistry(app.redisClient, ttl,
			registry.WithKeyPrefix(spec.Redis.KeyPrefix),
			registry.WithRedisLogger(app.logger),
		)
	} else {
		app.registry = registry.NewMemoryRegistry(ttl, registry.WithMemoryLogger(app.logger))
	}

	app.logger.Info("service registry initialized",
		observability.String("type", spec.Type),
		observability.Duration("liveness_timeout", ttl),
	)
	return nil
}

// newRateLimiter creates the inbound rate limiter. The redis store shares
// counters with every gateway process using the same registry store.
func (app *application) newRateLimiter() (ratelimit.Limiter, error) {
	cfg := app.config.Spec.RateLimit
	var client redis.UniversalClient
	if app.redisClient != nil {
		client = app.redisClient
	}
	limiter, err := ratelimit.NewLimiter(cfg, client, app.config.Spec.Registry.Redis.KeyPrefix, observability.Zap(app.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return limiter, nil
}

// buildMiddlewareChain wraps handler with the inbound middleware.
// The execution order (outermost executes first):
// Recovery -> RequestID -> Logging -> ProcessTime -> Tracing -> Metrics ->
// SecurityHeaders -> CORS -> RateLimit -> BodyLimit -> [gateway routes]
func (app *application) buildMiddlewareChain(handler http.Handler) (http.Handler, error) {
	cfg := app.config.Spec
	h := handler

	h = middleware.BodyLimit(cfg.Server.MaxBodySize, app.logger)(h)

	if cfg.RateLimit.Enabled {
		limiter, err := app.newRateLimiter()
		if err != nil {
			return nil, err
		}
		h = middleware.RateLimit(limiter, app.logger,
			middleware.WithClientIPExtractor(middleware.NewClientIPExtractor(cfg.Server.TrustedProxies)),
			middleware.WithRateLimitSkipPaths("/health", "/live", "/livez", "/ready", "/readyz"),
			middleware.WithRateLimitHitCallback(func(r *http.Request) {
				app.metrics.RecordRateLimitHit(app.handler.ServiceFromPath(r.URL.Path))
			}),
		)(h)
	}

	if cfg.CORS.Enabled {
		h = middleware.CORSFromConfig(cfg.CORS)(h)
	}

	h = middleware.SecurityHeaders(cfg.Security)(h)
	h = observability.MetricsMiddleware(app.metrics, func(r *http.Request) string {
		return app.handler.ServiceFromPath(r.URL.Path)
	})(h)
	h = observability.TracingMiddleware(app.tracer)(h)
	h = middleware.ProcessTime()(h)
	h = middleware.Logging(app.logger)(h)
	h = middleware.RequestID()(h)
	h = middleware.Recovery(app.logger)(h)

	return h, nil
}

// serviceProbes derives the per-service probe settings from cfg.
func serviceProbes(cfg *config.GatewayConfig) map[string]backend.ProbeSettings {
	probes := make(map[string]backend.ProbeSettings, len(cfg.Spec.Services))
	for _, svc := range cfg.Spec.Services {
		probes[svc.Name] = backend.ProbeSettings{
			Path:     svc.EffectiveHealthPath(cfg.Spec.HealthCheck.Path),
			Protocol: svc.Protocol,
		}
	}
	return probes
}

// syncStaticInstances starts an agent for every statically configured
// instance that has none yet and stops agents whose instance was removed
// from the configuration. Agents only heartbeat while the backend answers
// its health probe.
func (app *application) syncStaticInstances(ctx context.Context, cfg *config.GatewayConfig) {
	wanted := make(map[string]config.InstanceConfig)
	services := make(map[string]string)
	for _, svc := range cfg.Spec.Services {
		for _, inst := range svc.Instances {
			id := registry.InstanceID(svc.Name, inst.Host, inst.Port)
			wanted[id] = inst
			services[id] = svc.Name
		}
	}

	app.agentsMu.Lock()
	defer app.agentsMu.Unlock()

	for id, agent := range app.agents {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := agent.Stop(ctx); err != nil {
			app.logger.Warn("failed to deregister static instance",
				observability.String("instance_id", id),
				observability.Error(err),
			)
		}
		delete(app.agents, id)
	}

	interval := cfg.Spec.Registry.HeartbeatInterval.Duration()
	for id, inst := range wanted {
		if _, ok := app.agents[id]; ok {
			continue
		}
		endpoint := registry.ServiceInstance{Service: services[id], Host: inst.Host, Port: inst.Port}
		alive := func(ctx context.Context) error {
			return app.prober.Probe(ctx, endpoint)
		}
		agent := registry.NewAgent(app.registry, services[id], inst.Host, inst.Port, interval, app.logger,
			registry.WithLivenessCheck(alive))
		if err := agent.Start(ctx); err != nil {
			app.logger.Error("failed to start static instance agent",
				observability.String("instance_id", id),
				observability.Error(err),
			)
			continue
		}
		app.agents[id] = agent
	}
}

// stopAgents deregisters every static instance.
func (app *application) stopAgents(ctx context.Context) {
	app.agentsMu.Lock()
	defer app.agentsMu.Unlock()

	for id, agent := range app.agents {
		if err := agent.Stop(ctx); err != nil {
			app.logger.Warn("failed to deregister static instance",
				observability.String("instance_id", id),
				observability.Error(err),
			)
		}
		delete(app.agents, id)
	}
}

// closeStores closes the registry and the Redis connection.
func (app *application) closeStores() {
	if app.registry != nil {
		if err := app.registry.Close(); err != nil {
			app.logger.Error("failed to close registry", observability.Error(err))
		}
	}
	// The redis registry closes the client itself.
	if app.redisClient != nil && app.config.Spec.Registry.Type != config.RegistryTypeRedis {
		if err := app.redisClient.Close(); err != nil {
			app.logger.Error("failed to close redis client", observability.Error(err))
		}
	}
	if app.pool != nil {
		app.pool.CloseIdleConnections()
	}
}
