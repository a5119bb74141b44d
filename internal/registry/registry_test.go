package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 30 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness is one Registry implementation plus a way to move its time.
type harness struct {
	reg     Registry
	clock   *fakeClock
	advance func(time.Duration)
}

func newRedisTestClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	return client
}

func harnesses() map[string]func(t *testing.T) harness {
	return map[string]func(t *testing.T) harness{
		"memory": func(t *testing.T) harness {
			clock := newFakeClock()
			reg := NewMemoryRegistry(testTTL, WithMemoryClock(clock.Now))
			return harness{reg: reg, clock: clock, advance: clock.Advance}
		},
		"redis": func(t *testing.T) harness {
			mr := miniredis.RunT(t)
			clock := newFakeClock()
			reg := NewRedisRegistry(newRedisTestClient(t, mr), testTTL,
				WithKeyPrefix("test:"), WithRedisClock(clock.Now))
			t.Cleanup(func() { _ = reg.Close() })
			return harness{reg: reg, clock: clock, advance: func(d time.Duration) {
				clock.Advance(d)
				mr.FastForward(d)
			}}
		},
	}
}

func forEachRegistry(t *testing.T, fn func(t *testing.T, h harness)) {
	for name, build := range harnesses() {
		t.Run(name, func(t *testing.T) {
			fn(t, build(t))
		})
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		id, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)
		assert.Equal(t, InstanceID("analytics", "10.0.0.1", 8002), id)

		all, err := h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		require.Len(t, all, 1)

		inst := all[0]
		assert.Equal(t, id, inst.ID)
		assert.Equal(t, "analytics", inst.Service)
		assert.Equal(t, "10.0.0.1", inst.Host)
		assert.Equal(t, 8002, inst.Port)
		assert.True(t, inst.Healthy, "new instances start healthy")
		assert.True(t, inst.RegisteredAt.Equal(h.clock.Now()))
		assert.True(t, inst.LastSeen.Equal(h.clock.Now()))

		empty, err := h.reg.ListAll(ctx, "forecasting")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()
		registeredAt := h.clock.Now()

		first, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)

		h.advance(10 * time.Second)
		second, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		all, err := h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.True(t, all[0].RegisteredAt.Equal(registeredAt))
		assert.True(t, all[0].LastSeen.Equal(h.clock.Now()))
	})
}

func TestRegistry_UnhealthyExcludedFromHealthyList(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		a, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)
		b, err := h.reg.Register(ctx, "analytics", "10.0.0.2", 8002)
		require.NoError(t, err)

		require.NoError(t, h.reg.MarkUnhealthy(ctx, a))

		healthy, err := h.reg.ListHealthy(ctx, "analytics")
		require.NoError(t, err)
		require.Len(t, healthy, 1)
		assert.Equal(t, b, healthy[0].ID)

		all, err := h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		require.Len(t, all, 2)

		require.NoError(t, h.reg.MarkHealthy(ctx, a))
		healthy, err = h.reg.ListHealthy(ctx, "analytics")
		require.NoError(t, err)
		assert.Len(t, healthy, 2)
	})
}

func TestRegistry_ReRegisterKeepsHealthFlag(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		id, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)
		require.NoError(t, h.reg.MarkUnhealthy(ctx, id))

		_, err = h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)

		healthy, err := h.reg.ListHealthy(ctx, "analytics")
		require.NoError(t, err)
		assert.Empty(t, healthy)
	})
}

func TestRegistry_ListIsSortedByID(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		for port := 9001; port <= 9005; port++ {
			_, err := h.reg.Register(ctx, "forecasting", "10.0.0.9", port)
			require.NoError(t, err)
		}

		all, err := h.reg.ListAll(ctx, "forecasting")
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 1; i < len(all); i++ {
			assert.Less(t, all[i-1].ID, all[i].ID)
		}
	})
}

func TestRegistry_Deregister(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		id, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)

		require.NoError(t, h.reg.Deregister(ctx, id))
		all, err := h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		assert.Empty(t, all)

		assert.ErrorIs(t, h.reg.Deregister(ctx, id), ErrInstanceNotFound)
	})
}

func TestRegistry_UnknownInstance(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		assert.ErrorIs(t, h.reg.Heartbeat(ctx, "missing"), ErrInstanceNotFound)
		assert.ErrorIs(t, h.reg.MarkHealthy(ctx, "missing"), ErrInstanceNotFound)
		assert.ErrorIs(t, h.reg.MarkUnhealthy(ctx, "missing"), ErrInstanceNotFound)
	})
}

func TestRegistry_InvalidInstance(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		tests := []struct {
			name    string
			service string
			host    string
			port    int
		}{
			{name: "empty service", service: "", host: "10.0.0.1", port: 80},
			{name: "uppercase service", service: "Analytics", host: "10.0.0.1", port: 80},
			{name: "empty host", service: "analytics", host: "", port: 80},
			{name: "zero port", service: "analytics", host: "10.0.0.1", port: 0},
			{name: "port too large", service: "analytics", host: "10.0.0.1", port: 70000},
		}

		for _, tt := range tests {
			_, err := h.reg.Register(ctx, tt.service, tt.host, tt.port)
			assert.ErrorIs(t, err, ErrInvalidInstance, tt.name)
		}
	})
}

func TestRegistry_MissedHeartbeatsExpire(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		id, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)

		h.advance(testTTL - time.Second)
		require.NoError(t, h.reg.Heartbeat(ctx, id))

		h.advance(testTTL - time.Second)
		all, err := h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		assert.Len(t, all, 1, "heartbeat extends liveness")

		h.advance(2 * time.Second)
		all, err = h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		assert.Empty(t, all)
		assert.ErrorIs(t, h.reg.Heartbeat(ctx, id), ErrInstanceNotFound)

		services, err := h.reg.Services(ctx)
		require.NoError(t, err)
		assert.Empty(t, services)
	})
}

func TestRegistry_MarkUnhealthyDoesNotExtendLiveness(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		id, err := h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)

		h.advance(testTTL / 2)
		require.NoError(t, h.reg.MarkUnhealthy(ctx, id))

		h.advance(testTTL / 2)
		all, err := h.reg.ListAll(ctx, "analytics")
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestRegistry_Services(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		for _, svc := range []string{"query_processor", "analytics", "data_ingestion"} {
			_, err := h.reg.Register(ctx, svc, "10.0.0.1", 8000)
			require.NoError(t, err)
		}

		services, err := h.reg.Services(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"analytics", "data_ingestion", "query_processor"}, services)
		assert.NoError(t, h.reg.Ping(ctx))
	})
}

func TestRegistry_DeregisterDropsEmptyService(t *testing.T) {
	forEachRegistry(t, func(t *testing.T, h harness) {
		ctx := context.Background()

		first, err := h.reg.Register(ctx, "adhoc", "10.0.0.1", 9000)
		require.NoError(t, err)
		second, err := h.reg.Register(ctx, "adhoc", "10.0.0.2", 9000)
		require.NoError(t, err)
		_, err = h.reg.Register(ctx, "analytics", "10.0.0.1", 8002)
		require.NoError(t, err)

		require.NoError(t, h.reg.Deregister(ctx, first))
		services, err := h.reg.Services(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"adhoc", "analytics"}, services, "one adhoc instance remains")

		require.NoError(t, h.reg.Deregister(ctx, second))
		services, err = h.reg.Services(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"analytics"}, services)

		_, err = h.reg.Register(ctx, "adhoc", "10.0.0.1", 9000)
		require.NoError(t, err)
		services, err = h.reg.Services(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"adhoc", "analytics"}, services)
	})
}

func TestServiceInstance_Address(t *testing.T) {
	t.Parallel()

	inst := ServiceInstance{Host: "10.0.0.1", Port: 8002}
	assert.Equal(t, "10.0.0.1:8002", inst.Address())
	assert.Equal(t, "http://10.0.0.1:8002/health", inst.URL("/health"))
	assert.Equal(t, "http://10.0.0.1:8002/v1/query", inst.URL("v1/query"))

	v6 := ServiceInstance{Host: "::1", Port: 80}
	assert.Equal(t, "[::1]:80", v6.Address())
}

func TestInstanceID_Deterministic(t *testing.T) {
	t.Parallel()

	a := InstanceID("analytics", "10.0.0.1", 8002)
	assert.Equal(t, a, InstanceID("analytics", "10.0.0.1", 8002))
	assert.NotEqual(t, a, InstanceID("analytics", "10.0.0.1", 8003))
	assert.NotEqual(t, a, InstanceID("forecasting", "10.0.0.1", 8002))
	assert.Len(t, a, 36)
}
