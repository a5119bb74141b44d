package store

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "ratelimit_store",
			Name:      "operations_total",
			Help:      "Total number of rate limit store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Subsystem: "ratelimit_store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of rate limit store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// incrementWithExpiryScript is the Lua script for atomic increment with expiry.
// KEYS[1] = key
// ARGV[1] = delta
// ARGV[2] = expiration in milliseconds
var incrementWithExpiryScript = redis.NewScript(`
	local current = redis.call('INCRBY', KEYS[1], ARGV[1])
	if current == tonumber(ARGV[1]) then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return current
`)

// RedisStore implements Store on a shared Redis client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisStore creates a store whose keys are prefixed with prefix. The
// client is not owned by the store.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// IncrementWithExpiry implements Store using a Lua script for atomicity.
func (s *RedisStore) IncrementWithExpiry(
	ctx context.Context,
	key string,
	delta int64,
	expiration time.Duration,
) (int64, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error before redis incr with expiry: %w", err)
	}

	expirationMillis := expiration.Milliseconds()
	if expirationMillis < 1 {
		expirationMillis = 1
	}

	result, err := incrementWithExpiryScript.Run(ctx, s.client, []string{s.prefix + key}, delta, expirationMillis).Int64()

	redisStoreOperationDuration.WithLabelValues("increment_with_expiry").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("increment_with_expiry", "error").Inc()
		s.logger.Debug("rate limit store increment failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return 0, fmt.Errorf("redis script error: %w", err)
	}

	redisStoreOperationsTotal.WithLabelValues("increment_with_expiry", "success").Inc()
	return result, nil
}
