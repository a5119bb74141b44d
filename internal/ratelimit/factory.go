package ratelimit

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/ratelimit/store"
)

// ErrStoreUnavailable is returned when the redis store is configured but no
// client was supplied.
var ErrStoreUnavailable = errors.New("rate limit store requires a redis client")

// NewLimiter creates the limiter described by cfg.
//
// The redis store counts fixed windows shared by every gateway process.
// The memory store keeps a token bucket per key in this process.
func NewLimiter(cfg config.RateLimitConfig, client redis.UniversalClient, keyPrefix string, logger *zap.Logger) (Limiter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return NewNoopLimiter(), nil
	}

	requests := cfg.Requests
	if requests <= 0 {
		requests = config.DefaultRateLimitRequests
	}
	window := cfg.Window.Duration()
	if window <= 0 {
		window = config.DefaultRateLimitWindow
	}

	switch cfg.Store {
	case config.RateLimitStoreRedis:
		if client == nil {
			return nil, ErrStoreUnavailable
		}
		s := store.NewRedisStore(client, keyPrefix+"ratelimit:", logger)
		return NewFixedWindowLimiter(s, requests, window, logger), nil
	case config.RateLimitStoreMemory, "":
		return NewLocalLimiter(requests, window, logger), nil
	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
	}
}
