package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/emsgw/internal/backend"
	"github.com/vyrodovalexey/emsgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/proxy"
	"github.com/vyrodovalexey/emsgw/internal/registry"
	"github.com/vyrodovalexey/emsgw/internal/retry"
)

// testEnv wires a router over an in-memory registry with recorded,
// instant backoff waits.
type testEnv struct {
	reg       *registry.MemoryRegistry
	breakers  *circuitbreaker.Registry
	forwarder *countingForwarder
	router    *Router
	cfg       *config.GatewayConfig

	mu     sync.Mutex
	sleeps []time.Duration
}

type countingForwarder struct {
	calls atomic.Int32
	next  Forwarder
}

func (f *countingForwarder) Forward(ctx context.Context, service string, inst registry.ServiceInstance, req *proxy.Request) (*proxy.Response, error) {
	f.calls.Add(1)
	return f.next.Forward(ctx, service, inst, req)
}

// tripBreaker reports n admitted failures.
func tripBreaker(t *testing.T, cb *circuitbreaker.CircuitBreaker, n int) {
	t.Helper()
	for range n {
		ticket, ok := cb.Allow()
		require.True(t, ok)
		cb.RecordFailure(ticket)
	}
}

func newTestEnv(t *testing.T, services ...config.ServiceConfig) *testEnv {
	t.Helper()

	env := &testEnv{
		reg:       registry.NewMemoryRegistry(time.Minute),
		breakers:  circuitbreaker.NewRegistry(nil, zap.NewNop()),
		forwarder: &countingForwarder{next: proxy.NewForwarder(&http.Client{})},
	}
	executor := retry.NewExecutor(zap.NewNop(), retry.WithSleeper(func(ctx context.Context, d time.Duration) error {
		env.mu.Lock()
		env.sleeps = append(env.sleeps, d)
		env.mu.Unlock()
		return ctx.Err()
	}))

	env.router = NewRouter(
		env.reg,
		backend.NewLoadBalancer(env.reg, nil),
		env.breakers,
		executor,
		env.forwarder,
		WithWebSocketDialer(proxy.NewWebSocketProxy()),
	)

	env.cfg = config.DefaultConfig()
	env.cfg.Spec.Services = services
	env.cfg.ApplyDefaults()
	env.router.Configure(env.cfg.Spec)
	return env
}

func (e *testEnv) recordedSleeps() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.sleeps...)
}

// addBackend starts h and registers it as an instance of service.
func (e *testEnv) addBackend(t *testing.T, service string, h http.Handler) registry.ServiceInstance {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	id, err := e.reg.Register(context.Background(), service, host, port)
	require.NoError(t, err)
	return registry.ServiceInstance{ID: id, Service: service, Host: host, Port: port}
}

func routeRequest(service, method, path string, body []byte) RouteRequest {
	r := httptest.NewRequest(method, "http://gw.local/api/v1/"+service+path, nil)
	return RouteRequest{Service: service, Request: proxy.NewRequest(r, path, body)}
}

func asRouteError(t *testing.T, err error) *RouteError {
	t.Helper()
	var routeErr *RouteError
	require.True(t, errors.As(err, &routeErr), "expected *RouteError, got %T: %v", err, err)
	return routeErr
}

func fastRetry(maxAttempts int) *config.RetryConfig {
	return &config.RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   config.Duration(100 * time.Millisecond),
		Multiplier:  2,
	}
}

func TestRouter_RouteSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "analytics"})
	inst := env.addBackend(t, "analytics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = fmt.Fprintf(w, `{"path":%q,"body":%q}`, r.URL.Path, string(data))
	}))

	result, err := env.router.Route(context.Background(), routeRequest("analytics", http.MethodPost, "/reports", []byte("kwh")))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.JSONEq(t, `{"path":"/reports","body":"kwh"}`, string(result.Body))
	assert.Equal(t, "application/json", result.Header.Get("Content-Type"))
	assert.Equal(t, inst.ID, result.Instance.ID)
	assert.Equal(t, 1, result.Attempts)
}

func TestRouter_ClientErrorIsPassedThrough(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "analytics"})
	env.addBackend(t, "analytics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	result, err := env.router.Route(context.Background(), routeRequest("analytics", http.MethodGet, "/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, circuitbreaker.StateClosed, env.breakers.Get("analytics").State())
}

func TestRouter_RetryMovesToNextInstance(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "query_processor", Retry: fastRetry(3)})

	// The forwarder sets Host to the instance address.
	var failing atomic.Value
	failing.Store("")
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == failing.Load().(string) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	env.addBackend(t, "query_processor", handler)
	env.addBackend(t, "query_processor", handler)

	healthy, err := env.reg.ListHealthy(context.Background(), "query_processor")
	require.NoError(t, err)
	require.Len(t, healthy, 2)
	failing.Store(healthy[0].Address())

	result, err := env.router.Route(context.Background(), routeRequest("query_processor", http.MethodGet, "/q", nil))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, healthy[1].ID, result.Instance.ID)
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, env.recordedSleeps())
}

func TestRouter_NoHealthyInstance(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "notification"})

	_, err := env.router.Route(context.Background(), routeRequest("notification", http.MethodGet, "/", nil))
	routeErr := asRouteError(t, err)

	assert.Equal(t, KindNoHealthyInstance, routeErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, routeErr.StatusCode())
	assert.ErrorIs(t, err, backend.ErrNoHealthyInstance)
	assert.Zero(t, env.forwarder.calls.Load())
	assert.Empty(t, env.recordedSleeps())
}

func TestRouter_UnhealthyInstanceIsSkipped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "notification"})
	inst := env.addBackend(t, "notification", http.NotFoundHandler())
	require.NoError(t, env.reg.MarkUnhealthy(context.Background(), inst.ID))

	_, err := env.router.Route(context.Background(), routeRequest("notification", http.MethodGet, "/", nil))
	assert.Equal(t, KindNoHealthyInstance, asRouteError(t, err).Kind)
}

func TestRouter_UnknownService(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "analytics"})

	_, err := env.router.Route(context.Background(), routeRequest("billing", http.MethodGet, "/", nil))
	routeErr := asRouteError(t, err)

	assert.Equal(t, KindUnknownService, routeErr.Kind)
	assert.Equal(t, http.StatusNotFound, routeErr.StatusCode())
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestRouter_RetryExhaustedThenCircuitOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "data_ingestion", Retry: fastRetry(3)})
	inst := env.addBackend(t, "data_ingestion", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := env.router.Route(context.Background(), routeRequest("data_ingestion", http.MethodPost, "/ingest", []byte("x")))
	routeErr := asRouteError(t, err)

	assert.Equal(t, KindRetryExhausted, routeErr.Kind)
	assert.Equal(t, http.StatusBadGateway, routeErr.StatusCode())
	assert.Equal(t, 3, routeErr.Attempts)
	assert.Equal(t, inst.ID, routeErr.Instance)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, env.recordedSleeps())

	var upstream *UpstreamStatusError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)

	// Three consecutive failures reached the default threshold.
	assert.Equal(t, circuitbreaker.StateOpen, env.breakers.Get("data_ingestion").State())

	calls := env.forwarder.calls.Load()
	_, err = env.router.Route(context.Background(), routeRequest("data_ingestion", http.MethodPost, "/ingest", []byte("x")))
	routeErr = asRouteError(t, err)

	assert.Equal(t, KindCircuitOpen, routeErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, routeErr.StatusCode())
	assert.Equal(t, "service temporarily degraded", routeErr.Message())
	assert.Positive(t, routeErr.RetryAfter)
	assert.Zero(t, routeErr.Attempts)
	assert.Equal(t, calls, env.forwarder.calls.Load())
}

func TestRouter_AttemptTimeout(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{
		Name:    "advanced_ml",
		Timeout: config.Duration(50 * time.Millisecond),
		Retry:   &config.RetryConfig{MaxAttempts: 1},
	})
	env.addBackend(t, "advanced_ml", http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	_, err := env.router.Route(context.Background(), routeRequest("advanced_ml", http.MethodGet, "/predict", nil))
	routeErr := asRouteError(t, err)

	assert.Equal(t, KindRetryExhausted, routeErr.Kind)
	assert.ErrorIs(t, err, retry.ErrCallTimeout)
	assert.Equal(t, http.StatusGatewayTimeout, routeErr.StatusCode())
}

func TestRouter_ClientCanceled(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "security"})
	env.addBackend(t, "security", http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.router.Route(ctx, routeRequest("security", http.MethodGet, "/", nil))
	routeErr := asRouteError(t, err)

	assert.Equal(t, KindClientCanceled, routeErr.Kind)
	assert.Equal(t, StatusClientClosedRequest, routeErr.StatusCode())
	assert.Zero(t, env.forwarder.calls.Load())

	stats := env.breakers.Get("security").Stats()
	assert.Zero(t, stats.TotalFailures)
	assert.Equal(t, circuitbreaker.StateClosed, stats.State)
}

// unavailableRegistry is a registry whose store is down.
type unavailableRegistry struct {
	registry.Registry
}

func (unavailableRegistry) ListHealthy(context.Context, string) ([]registry.ServiceInstance, error) {
	return nil, fmt.Errorf("list: %w", registry.ErrRegistryUnavailable)
}

func (unavailableRegistry) ListAll(context.Context, string) ([]registry.ServiceInstance, error) {
	return nil, fmt.Errorf("list: %w", registry.ErrRegistryUnavailable)
}

func (unavailableRegistry) Services(context.Context) ([]string, error) {
	return nil, fmt.Errorf("services: %w", registry.ErrRegistryUnavailable)
}

func TestRouter_RegistryUnavailable(t *testing.T) {
	t.Parallel()

	reg := unavailableRegistry{}
	router := NewRouter(reg, backend.NewLoadBalancer(reg, nil),
		circuitbreaker.NewRegistry(nil, nil), retry.NewExecutor(nil), proxy.NewForwarder(&http.Client{}))
	cfg := config.DefaultConfig()
	cfg.Spec.Services = []config.ServiceConfig{{Name: "monitoring"}}
	cfg.ApplyDefaults()
	router.Configure(cfg.Spec)

	_, err := router.Route(context.Background(), routeRequest("monitoring", http.MethodGet, "/", nil))
	routeErr := asRouteError(t, err)

	assert.Equal(t, KindRegistryUnavailable, routeErr.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, routeErr.StatusCode())

	report := router.Status(context.Background())
	require.Len(t, report.Services, 1)
	assert.Equal(t, StatusDegraded, report.OverallStatus)
	assert.Equal(t, StatusUnavailable, report.Services[0].Status)
	assert.NotEmpty(t, report.Services[0].Error)
}

func TestRouter_ConfigureKeepsBreakerState(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t,
		config.ServiceConfig{Name: "analytics"},
		config.ServiceConfig{Name: "realtime_streaming"},
	)
	cb := env.breakers.Get("analytics")
	require.NotNil(t, cb)
	tripBreaker(t, cb, 3)
	require.Equal(t, circuitbreaker.StateOpen, cb.State())

	spec := env.cfg.Spec
	spec.Services = []config.ServiceConfig{{
		Name:           "analytics",
		Timeout:        config.Duration(time.Minute),
		Protocol:       config.ProtocolHTTP,
		CircuitBreaker: &config.CircuitBreakerConfig{FailureThreshold: 5},
		Retry:          fastRetry(2),
	}}
	env.router.Configure(spec)

	assert.Same(t, cb, env.breakers.Get("analytics"))
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())
	assert.Equal(t, 5, cb.Stats().FailureThreshold)
	assert.Nil(t, env.breakers.Get("realtime_streaming"))

	policy, ok := env.router.Policy("analytics")
	require.True(t, ok)
	assert.Equal(t, 2, policy.MaxAttempts)
	assert.Equal(t, time.Minute, policy.AttemptTimeout)

	assert.Equal(t, []string{"analytics"}, env.router.Services())
	assert.False(t, env.router.HasService("realtime_streaming"))
}

func TestRouter_Status(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t,
		config.ServiceConfig{Name: "analytics"},
		config.ServiceConfig{Name: "notification"},
		config.ServiceConfig{Name: "security"},
	)
	env.addBackend(t, "analytics", http.NotFoundHandler())
	sec := env.addBackend(t, "security", http.NotFoundHandler())
	env.addBackend(t, "security", http.NotFoundHandler())
	require.NoError(t, env.reg.MarkUnhealthy(context.Background(), sec.ID))
	// Registered but not in the catalog.
	env.addBackend(t, "monitoring", http.NotFoundHandler())

	report := env.router.Status(context.Background())
	assert.Equal(t, StatusHealthy, report.Gateway)
	assert.Equal(t, StatusDegraded, report.OverallStatus)

	byName := make(map[string]ServiceStatus)
	for _, st := range report.Services {
		byName[st.Name] = st
	}
	require.Len(t, byName, 4)

	assert.Equal(t, ServiceStatus{Name: "analytics", CircuitState: "closed", HealthyInstances: 1, Instances: 1, Status: StatusAvailable}, byName["analytics"])
	assert.Equal(t, ServiceStatus{Name: "notification", CircuitState: "closed", Status: StatusUnavailable}, byName["notification"])
	assert.Equal(t, ServiceStatus{Name: "security", CircuitState: "closed", HealthyInstances: 1, Instances: 2, Status: StatusAvailable}, byName["security"])
	assert.Equal(t, StatusAvailable, byName["monitoring"].Status)

	cb := env.breakers.Get("analytics")
	tripBreaker(t, cb, 3)
	report = env.router.Status(context.Background())
	for _, st := range report.Services {
		if st.Name == "analytics" {
			assert.Equal(t, "open", st.CircuitState)
			assert.Equal(t, StatusDegraded, st.Status)
		}
	}
}

func TestRouter_StatusAllHealthy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.ServiceConfig{Name: "analytics"})
	env.addBackend(t, "analytics", http.NotFoundHandler())

	report := env.router.Status(context.Background())
	assert.Equal(t, StatusHealthy, report.OverallStatus)
	assert.False(t, report.Timestamp.IsZero())
}
