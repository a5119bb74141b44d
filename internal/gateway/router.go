package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vyrodovalexey/emsgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/proxy"
	"github.com/vyrodovalexey/emsgw/internal/registry"
	"github.com/vyrodovalexey/emsgw/internal/retry"
)

// unknownServiceLabel replaces unrecognised service names in metric labels.
const unknownServiceLabel = "unknown"

// Balancer picks the instance that receives the next attempt.
type Balancer interface {
	Pick(ctx context.Context, service string) (registry.ServiceInstance, error)
}

// Forwarder performs one exchange with a backend instance.
type Forwarder interface {
	Forward(ctx context.Context, service string, inst registry.ServiceInstance, req *proxy.Request) (*proxy.Response, error)
}

// RouteRequest is one inbound request addressed to a logical service.
type RouteRequest struct {
	Service string
	Request *proxy.Request
}

// RouteResult is the backend answer, passed to the client unchanged.
type RouteResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Instance   registry.ServiceInstance
	Attempts   int
}

// servicePolicy is the resilience policy of one catalog entry.
type servicePolicy struct {
	retry   retry.Policy
	breaker *circuitbreaker.Config
	timeout time.Duration
}

// catalog is the immutable routing table swapped on reload.
type catalog struct {
	names    []string
	services map[string]servicePolicy
}

// Router routes requests to backend services through the load balancer,
// the per-service circuit breaker and the retry executor.
type Router struct {
	registry  registry.Registry
	balancer  Balancer
	breakers  *circuitbreaker.Registry
	executor  *retry.Executor
	forwarder Forwarder
	dialer    WebSocketDialer

	tracer        *observability.Tracer
	metrics       *observability.Metrics
	logger        observability.Logger
	onStateChange circuitbreaker.StateChangeFunc

	catalog atomic.Pointer[catalog]
}

// RouterOption is a functional option for configuring the router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger for the router.
func WithRouterLogger(logger observability.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTracer sets the tracer used for route and attempt spans.
func WithTracer(tracer *observability.Tracer) RouterOption {
	return func(r *Router) {
		r.tracer = tracer
	}
}

// WithMetrics sets the gateway metrics.
func WithMetrics(metrics *observability.Metrics) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithWebSocketDialer enables WebSocket passthrough.
func WithWebSocketDialer(dialer WebSocketDialer) RouterOption {
	return func(r *Router) {
		r.dialer = dialer
	}
}

// WithBreakerStateChange sets the callback attached to every service
// circuit breaker.
func WithBreakerStateChange(fn circuitbreaker.StateChangeFunc) RouterOption {
	return func(r *Router) {
		r.onStateChange = fn
	}
}

// NewRouter creates a router with an empty catalog; call Configure to load
// the services.
func NewRouter(
	reg registry.Registry,
	balancer Balancer,
	breakers *circuitbreaker.Registry,
	executor *retry.Executor,
	forwarder Forwarder,
	opts ...RouterOption,
) *Router {
	r := &Router{
		registry:  reg,
		balancer:  balancer,
		breakers:  breakers,
		executor:  executor,
		forwarder: forwarder,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.catalog.Store(&catalog{services: map[string]servicePolicy{}})
	return r
}

// Configure replaces the service catalog. Breakers of services that stay
// in the catalog keep their state; breakers of removed services are
// dropped.
func (r *Router) Configure(spec config.GatewaySpec) {
	next := &catalog{
		names:    spec.ServiceNames(),
		services: make(map[string]servicePolicy, len(spec.Services)),
	}
	for _, svc := range spec.Services {
		policy := r.policyFor(spec, svc)
		next.services[svc.Name] = policy
		r.breakers.Configure(svc.Name, policy.breaker)
	}

	prev := r.catalog.Swap(next)
	for _, name := range prev.names {
		if _, ok := next.services[name]; !ok {
			r.breakers.Remove(name)
		}
	}

	r.logger.Info("service catalog configured",
		observability.Strings("services", next.names),
	)
}

func (r *Router) policyFor(spec config.GatewaySpec, svc config.ServiceConfig) servicePolicy {
	rc := svc.EffectiveRetry(spec.Retry)
	cb := svc.EffectiveCircuitBreaker(spec.CircuitBreaker)
	return servicePolicy{
		retry: retry.Policy{
			MaxAttempts:    rc.MaxAttempts,
			BaseDelay:      rc.BaseDelay.Duration(),
			Multiplier:     rc.Multiplier,
			Jitter:         rc.Jitter.Duration(),
			AttemptTimeout: svc.Timeout.Duration(),
		}.Normalize(),
		breaker: &circuitbreaker.Config{
			FailureThreshold: cb.FailureThreshold,
			RecoveryTimeout:  cb.RecoveryTimeout.Duration(),
			OnStateChange:    r.onStateChange,
		},
		timeout: svc.Timeout.Duration(),
	}
}

// Services returns the catalog service names in configuration order.
func (r *Router) Services() []string {
	names := r.catalog.Load().names
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// HasService reports whether service is in the catalog.
func (r *Router) HasService(service string) bool {
	_, ok := r.lookup(service)
	return ok
}

// Policy returns the retry policy of service.
func (r *Router) Policy(service string) (retry.Policy, bool) {
	p, ok := r.lookup(service)
	return p.retry, ok
}

func (r *Router) lookup(service string) (servicePolicy, bool) {
	p, ok := r.catalog.Load().services[service]
	return p, ok
}

// Route sends req to a healthy instance of its service.
//
// An empty healthy set fails at once without retrying. Otherwise the
// exchange runs through the retry executor under the service breaker;
// later attempts go to the next instance in the rotation. Every failure
// is returned as *RouteError.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*RouteResult, error) {
	policy, ok := r.lookup(req.Service)
	if !ok {
		return nil, r.fail(ctx, noop.Span{}, &RouteError{
			Kind:    KindUnknownService,
			Service: req.Service,
			Cause:   ErrUnknownService,
		})
	}

	ctx, span := r.startSpan(ctx, "gateway.route",
		trace.WithAttributes(attribute.String("gateway.service", req.Service)),
	)
	defer span.End()

	inst, err := r.balancer.Pick(ctx, req.Service)
	if err != nil {
		return nil, r.fail(ctx, span, &RouteError{
			Kind:    classify(err),
			Service: req.Service,
			Cause:   err,
		})
	}

	breaker := r.breakers.GetOrCreateWithConfig(req.Service, policy.breaker)

	var (
		resp     *proxy.Response
		current  = inst
		attempts int
	)
	call := func(ctx context.Context, attempt int) error {
		attempts = attempt
		if attempt > 1 {
			// Keep the previous instance if the rotation is empty now.
			if next, pickErr := r.balancer.Pick(ctx, req.Service); pickErr == nil {
				current = next
			}
		}
		out, callErr := r.attempt(ctx, req, current, attempt)
		if callErr != nil {
			return callErr
		}
		resp = out
		return nil
	}

	if err := r.executor.Do(ctx, req.Service, breaker, policy.retry, call); err != nil {
		routeErr := &RouteError{
			Kind:     classify(err),
			Service:  req.Service,
			Attempts: attempts,
			Cause:    err,
		}
		if attempts > 0 {
			routeErr.Instance = current.ID
		}
		var circuitErr *retry.CircuitOpenError
		if errors.As(err, &circuitErr) {
			routeErr.RetryAfter = circuitErr.RetryAfter
		}
		return nil, r.fail(ctx, span, routeErr)
	}

	span.SetAttributes(
		attribute.String("gateway.instance", current.ID),
		attribute.Int("gateway.attempts", attempts),
		attribute.Int("http.response.status_code", resp.StatusCode),
	)

	return &RouteResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Instance:   current,
		Attempts:   attempts,
	}, nil
}

// attempt performs one exchange. A server error status is a failed
// attempt; any other status is a response.
func (r *Router) attempt(
	ctx context.Context,
	req RouteRequest,
	inst registry.ServiceInstance,
	attempt int,
) (*proxy.Response, error) {
	ctx, span := r.startSpan(ctx, "gateway.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gateway.service", req.Service),
			attribute.String("gateway.instance", inst.ID),
			attribute.Int("gateway.attempt", attempt),
			attribute.String("server.address", inst.Address()),
		),
	)
	defer span.End()

	resp, err := r.forwarder.Forward(ctx, req.Service, inst, req.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Neither failure says anything about the backend's health.
		if errors.Is(err, proxy.ErrInvalidTargetURL) || errors.Is(err, proxy.ErrResponseTooLarge) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		return nil, &UpstreamStatusError{
			Service:    req.Service,
			Instance:   inst.ID,
			StatusCode: resp.StatusCode,
		}
	}
	return resp, nil
}

// fail logs and counts a routing failure.
func (r *Router) fail(ctx context.Context, span trace.Span, err *RouteError) error {
	service := err.Service
	if err.Kind == KindUnknownService {
		service = unknownServiceLabel
	}

	fields := []observability.Field{
		observability.String("service", err.Service),
		observability.String("kind", string(err.Kind)),
		observability.Int("attempts", err.Attempts),
		observability.Error(err.Cause),
	}
	if err.Instance != "" {
		fields = append(fields, observability.String("instance", err.Instance))
	}

	logger := r.logger.WithContext(ctx)
	switch err.Kind {
	case KindClientCanceled, KindUnknownService:
		logger.Debug("route failed", fields...)
	case KindRegistryUnavailable:
		logger.Error("route failed, service registry unavailable", fields...)
	default:
		logger.Warn("route failed", fields...)
	}

	if r.metrics != nil {
		r.metrics.RecordRouteFailure(service, string(err.Kind))
	}
	span.SetStatus(codes.Error, string(err.Kind))
	return err
}

func (r *Router) startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if r.tracer == nil {
		return ctx, noop.Span{}
	}
	return r.tracer.Start(ctx, name, opts...)
}
