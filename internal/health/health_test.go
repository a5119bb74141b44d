package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okCheck(context.Context) error { return nil }

func failCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func TestChecker_Health(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	c := NewChecker("1.2.3", WithClock(func() time.Time { return clock }))
	clock = now.Add(90 * time.Second)

	resp := c.Health()
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "1m30s", resp.Uptime)
	assert.Equal(t, clock, resp.Timestamp)
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		checks map[string]struct {
			critical bool
			fn       CheckFunc
		}
		want Status
	}{
		{
			name: "no checks",
			want: StatusHealthy,
		},
		{
			name: "all passing",
			checks: map[string]struct {
				critical bool
				fn       CheckFunc
			}{
				"registry": {true, okCheck},
				"limiter":  {false, okCheck},
			},
			want: StatusHealthy,
		},
		{
			name: "non-critical failure degrades",
			checks: map[string]struct {
				critical bool
				fn       CheckFunc
			}{
				"registry": {true, okCheck},
				"limiter":  {false, failCheck("down")},
			},
			want: StatusDegraded,
		},
		{
			name: "critical failure wins",
			checks: map[string]struct {
				critical bool
				fn       CheckFunc
			}{
				"registry": {true, failCheck("down")},
				"limiter":  {false, failCheck("down")},
			},
			want: StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := NewChecker("test")
			for name, check := range tt.checks {
				c.RegisterCheck(name, check.critical, check.fn)
			}

			resp := c.Readiness(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
			for name, check := range tt.checks {
				assert.Equal(t, check.critical, resp.Checks[name].Critical)
			}
		})
	}
}

func TestChecker_ReadinessFailureMessage(t *testing.T) {
	t.Parallel()

	c := NewChecker("test")
	c.RegisterCheck("registry", true, failCheck("connection refused"))

	resp := c.Readiness(context.Background())
	check := resp.Checks["registry"]
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "connection refused", check.Message)
	assert.NotEmpty(t, check.Duration)
}

func TestChecker_ReadinessTimeout(t *testing.T) {
	t.Parallel()

	c := NewChecker("test", WithTimeout(50*time.Millisecond))
	c.RegisterCheck("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	resp := c.Readiness(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["slow"].Message, "deadline exceeded")
}

func TestChecker_Draining(t *testing.T) {
	t.Parallel()

	c := NewChecker("test")
	c.RegisterCheck("registry", true, okCheck)
	assert.False(t, c.IsDraining())

	c.SetDraining(true)
	assert.True(t, c.IsDraining())
	resp := c.Readiness(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks, "draining")
	assert.NotContains(t, resp.Checks, "registry")

	assert.Equal(t, StatusHealthy, c.Health().Status, "a draining gateway is still alive")

	c.SetDraining(false)
	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestChecker_UnregisterCheck(t *testing.T) {
	t.Parallel()

	c := NewChecker("test")
	c.RegisterCheck("registry", true, failCheck("down"))
	c.UnregisterCheck("registry")

	assert.Equal(t, StatusHealthy, c.Readiness(context.Background()).Status)
}

func TestPingCheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	check := PingCheck(redisPinger{client})
	require.NoError(t, check(context.Background()))

	mr.Close()
	assert.Error(t, check(context.Background()))
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func TestHandlers(t *testing.T) {
	t.Parallel()

	c := NewChecker("test")
	failing := true
	c.RegisterCheck("registry", true, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	})

	engine := gin.New()
	c.RegisterRoutes(engine)

	serve := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	for _, path := range []string{"/live", "/livez"} {
		w := serve(path)
		assert.Equal(t, http.StatusOK, w.Code, path)
		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, StatusHealthy, resp.Status)
	}

	w := serve("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusUnhealthy, resp.Status)

	failing = false
	assert.Equal(t, http.StatusOK, serve("/readyz").Code)
}
