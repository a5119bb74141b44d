package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  LogConfig
		wantErr bool
	}{
		{name: "default config", config: DefaultLogConfig()},
		{name: "console format", config: LogConfig{Level: "debug", Format: "console", Output: "stdout"}},
		{name: "stderr output", config: LogConfig{Level: "warn", Format: "json", Output: "stderr"}},
		{name: "invalid level", config: LogConfig{Level: "loud", Format: "json"}, wantErr: true},
		{name: "invalid format", config: LogConfig{Level: "info", Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger.With(String("component", "test")))
		})
	}
}

func TestContextIDs(t *testing.T) {
	t.Parallel()

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithTraceID(ctx, "trace-1")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "trace-1", TraceIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Len(t, contextFields(ctx), 2)

	logger := NopLogger()
	assert.NotSame(t, logger, logger.WithContext(ctx))
	assert.Same(t, logger, logger.WithContext(context.Background()))
}

func TestGlobalLogger(t *testing.T) {
	assert.NotNil(t, L())

	logger := NopLogger()
	SetGlobalLogger(logger)
	t.Cleanup(func() { SetGlobalLogger(nil) })

	assert.Same(t, logger, L())
}

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_record")
	m.RecordRequest(http.MethodGet, "analytics", http.StatusOK, 20*time.Millisecond)
	m.RecordRequest(http.MethodGet, "", http.StatusNotFound, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "analytics", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", unroutedService, "404")))
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_counters")
	m.RecordRouteFailure("analytics", "circuit_open")
	m.RecordRouteFailure("analytics", "circuit_open")
	m.RecordRateLimitHit("")
	m.RecordConfigReload(true)
	m.RecordConfigReload(false)
	m.IncActiveRequests()
	m.IncActiveRequests()
	m.DecActiveRequests()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.routeFailures.WithLabelValues("analytics", "circuit_open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitHits.WithLabelValues(unroutedService)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.configReloads.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRequests))
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_handler")
	m.SetBuildInfo("v1", "abc", "now")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_handler_build_info")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(context.Background(), TracerConfig{ServiceName: "emsgw"})
	require.NoError(t, err)

	ctx, span := tracer.Start(context.Background(), "route")
	span.End()

	assert.Empty(t, TraceIDFromContext(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTraceContextPropagation(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	InjectTraceContext(context.Background(), h)
	ctx := ExtractTraceContext(context.Background(), h)
	assert.NotNil(t, ctx)
}

func TestSamplerFor(t *testing.T) {
	t.Parallel()

	assert.Contains(t, samplerFor(1).Description(), "AlwaysOn")
	assert.Contains(t, samplerFor(0).Description(), "AlwaysOff")
	assert.Contains(t, samplerFor(0.5).Description(), "TraceIDRatioBased")
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	m := NewMetrics("test_middleware")
	handler := MetricsMiddleware(m, func(r *http.Request) string {
		return r.Header.Get("X-Service")
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analytics/run", nil)
	req.Header.Set("X-Service", "analytics")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("POST", "analytics", "502")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRequests))
}

func TestTracingMiddleware(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(context.Background(), TracerConfig{ServiceName: "emsgw"})
	require.NoError(t, err)

	called := false
	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusWriter_HijackNotSupported(t *testing.T) {
	t.Parallel()

	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := w.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}

func TestZap(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger(DefaultLogConfig())
	require.NoError(t, err)
	assert.NotNil(t, Zap(logger))
	assert.NotNil(t, Zap(nil))
}
