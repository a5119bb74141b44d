package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/gateway"
	"github.com/vyrodovalexey/emsgw/internal/middleware"
	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// newBackend starts a backend answering health probes and echoing the
// request path.
func newBackend(t *testing.T) config.InstanceConfig {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"healthy"}`)
			return
		}
		_, _ = io.WriteString(w, "backend "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.InstanceConfig{Host: host, Port: port}
}

func testConfig(services ...config.ServiceConfig) *config.GatewayConfig {
	cfg := config.DefaultConfig()
	cfg.Spec.Server.Address = "127.0.0.1:0"
	cfg.Spec.Server.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Spec.Metrics.Address = "127.0.0.1:0"
	cfg.Spec.Services = services
	cfg.ApplyDefaults()
	return cfg
}

func newTestApp(t *testing.T, cfg *config.GatewayConfig) *application {
	t.Helper()
	app, err := initApplication(context.Background(), cfg, observability.NopLogger())
	require.NoError(t, err)
	return app
}

func get(t *testing.T, url string) (int, http.Header, string) {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, string(body)
}

func TestApplication_ServesStaticInstances(t *testing.T) {
	t.Parallel()

	inst := newBackend(t)
	cfg := testConfig(config.ServiceConfig{
		Name:      "analytics",
		Timeout:   config.Duration(5 * time.Second),
		Instances: []config.InstanceConfig{inst},
	})
	cfg.Spec.Metrics.Enabled = true

	app := newTestApp(t, cfg)
	require.NoError(t, app.start(context.Background()))

	base := "http://" + app.gateway.Address()

	status, header, body := get(t, base+"/api/v1/analytics/forecast")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "/forecast")
	assert.NotEmpty(t, header.Get(middleware.RequestIDHeader))

	status, _, body = get(t, base+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"analytics"`)

	status, _, _ = get(t, base+"/readyz")
	assert.Equal(t, http.StatusOK, status)

	status, _, body = get(t, "http://"+app.metricsAddr+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "emsgw_build_info")

	status, _, _ = get(t, base+"/api/v1/unknown/path")
	assert.Equal(t, http.StatusNotFound, status)

	app.shutdown(context.Background(), nil)

	assert.False(t, app.gateway.IsRunning())
	assert.True(t, app.readiness.IsDraining())
	assert.False(t, app.prober.IsRunning())
	assert.Empty(t, app.agents)
	assert.Nil(t, app.metricsServer)
}

func TestApplication_StartFailure(t *testing.T) {
	t.Parallel()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = busy.Close() })

	cfg := testConfig()
	cfg.Spec.Server.Address = busy.Addr().String()

	app := newTestApp(t, cfg)
	err = runGateway(context.Background(), app, "unused.yaml")
	assert.ErrorContains(t, err, "failed to start gateway")
	assert.False(t, app.prober.IsRunning())
}

func TestBuildMiddlewareChain_RateLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Spec.RateLimit = config.RateLimitConfig{
		Enabled:  true,
		Requests: 1,
		Window:   config.Duration(time.Minute),
		Store:    config.RateLimitStoreMemory,
	}
	// httptest requests come from 192.0.2.1.
	cfg.Spec.Server.TrustedProxies = []string{"192.0.2.0/24"}
	app := newTestApp(t, cfg)

	chain, err := app.buildMiddlewareChain(app.handler.Engine())
	require.NoError(t, err)

	serveFrom := func(path, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if forwardedFor != "" {
			req.Header.Set(middleware.HeaderXForwardedFor, forwardedFor)
		}
		rec := httptest.NewRecorder()
		chain.ServeHTTP(rec, req)
		return rec.Code
	}
	serve := func(path string) int { return serveFrom(path, "") }

	assert.Equal(t, http.StatusOK, serve("/services"))
	assert.Equal(t, http.StatusTooManyRequests, serve("/services"))

	// Clients behind the trusted proxy get their own budget.
	assert.Equal(t, http.StatusOK, serveFrom("/services", "203.0.113.5"))
	assert.Equal(t, http.StatusTooManyRequests, serveFrom("/services", "203.0.113.5"))
	assert.Equal(t, http.StatusOK, serveFrom("/services", "203.0.113.6, 192.0.2.9"))

	for range 3 {
		assert.Equal(t, http.StatusOK, serve("/health"))
	}
}

func TestBuildMiddlewareChain_CORSAndBodyLimit(t *testing.T) {
	t.Parallel()

	cfg := testConfig(config.ServiceConfig{Name: "analytics"})
	cfg.Spec.CORS.Enabled = true
	cfg.Spec.Security.Enabled = true
	cfg.Spec.Server.MaxBodySize = 8
	app := newTestApp(t, cfg)

	chain, err := app.buildMiddlewareChain(app.handler.Engine())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/analytics/forecast", nil)
	req.Header.Set("Origin", "https://ems.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/analytics/forecast",
		strings.NewReader("a body well over eight bytes"))
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestBuildMiddlewareChain_RedisStoreWithoutClient(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	app := newTestApp(t, cfg)

	app.config.Spec.RateLimit = config.RateLimitConfig{
		Enabled:  true,
		Requests: 10,
		Window:   config.Duration(time.Minute),
		Store:    config.RateLimitStoreRedis,
	}
	_, err := app.buildMiddlewareChain(http.NotFoundHandler())
	assert.ErrorContains(t, err, "failed to create rate limiter")
}

func TestApplication_Reload(t *testing.T) {
	t.Parallel()

	app := newTestApp(t, testConfig(config.ServiceConfig{Name: "analytics"}))
	ctx := context.Background()
	t.Cleanup(func() { app.stopAgents(ctx) })

	inst := newBackend(t)
	next := testConfig(
		config.ServiceConfig{Name: "analytics"},
		config.ServiceConfig{Name: "monitoring", Instances: []config.InstanceConfig{inst}},
	)
	app.reload(ctx, next)

	assert.Equal(t, []string{"analytics", "monitoring"}, app.router.Services())
	assert.Len(t, app.agents, 1)
	assert.Same(t, next, app.gateway.Config())

	healthy, err := app.registry.ListHealthy(ctx, "monitoring")
	require.NoError(t, err)
	assert.Len(t, healthy, 1)

	invalid := testConfig(config.ServiceConfig{Name: "analytics", Protocol: "smtp"})
	app.reload(ctx, invalid)
	assert.Equal(t, []string{"analytics", "monitoring"}, app.router.Services())

	app.reload(ctx, testConfig(config.ServiceConfig{Name: "analytics"}))
	assert.Empty(t, app.agents)
	all, err := app.registry.ListAll(ctx, "monitoring")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApplication_RedisStore(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	inst := newBackend(t)

	cfg := testConfig(config.ServiceConfig{Name: "analytics", Instances: []config.InstanceConfig{inst}})
	cfg.Spec.Registry.Type = config.RegistryTypeRedis
	cfg.Spec.Registry.Redis.Address = mr.Addr()
	cfg.Spec.HealthCheck.SnapshotInterval = config.Duration(20 * time.Millisecond)
	cfg.Spec.RateLimit = config.RateLimitConfig{
		Enabled:  true,
		Requests: 100,
		Window:   config.Duration(time.Minute),
		Store:    config.RateLimitStoreRedis,
	}

	app := newTestApp(t, cfg)
	require.NotNil(t, app.redisClient)
	require.NotNil(t, app.snapshotter)
	require.NoError(t, app.start(context.Background()))

	assert.Eventually(t, func() bool {
		return mr.Exists("emsgw:" + gateway.SnapshotKey)
	}, 5*time.Second, 20*time.Millisecond)

	healthy, err := app.registry.ListHealthy(context.Background(), "analytics")
	require.NoError(t, err)
	assert.Len(t, healthy, 1)

	status, _, _ := get(t, "http://"+app.gateway.Address()+"/api/v1/analytics/x")
	assert.Equal(t, http.StatusOK, status)

	app.shutdown(context.Background(), nil)
	assert.Empty(t, app.agents)
}

func TestRunGateway_WatchesConfigUntilCanceled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	writeConfig := func(services string) {
		require.NoError(t, os.WriteFile(path, []byte(`
apiVersion: emsgw.io/v1
kind: Gateway
metadata:
  name: test
spec:
  server:
    address: 127.0.0.1:0
    shutdownTimeout: 5s
  services:
`+services), 0o600))
	}
	writeConfig("    - name: analytics\n")

	cfg, err := loadAndValidateConfig(path)
	require.NoError(t, err)
	app := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runGateway(ctx, app, path) }()

	require.Eventually(t, app.gateway.IsRunning, 5*time.Second, 10*time.Millisecond)

	// Give the watcher a moment to register with the file system.
	time.Sleep(200 * time.Millisecond)
	writeConfig("    - name: analytics\n    - name: security\n")
	assert.Eventually(t, func() bool {
		return app.router.HasService("security")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runGateway did not return after cancellation")
	}
	assert.False(t, app.gateway.IsRunning())
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))
}
