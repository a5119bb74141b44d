package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/emsgw/internal/ratelimit/store"
)

// FixedWindowLimiter implements the fixed window rate limiting algorithm on
// a shared store, so every gateway process counts against the same window.
type FixedWindowLimiter struct {
	store  store.Store
	limit  int
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// FixedWindowOption configures a FixedWindowLimiter.
type FixedWindowOption func(*FixedWindowLimiter)

// WithFixedWindowClock sets the time source.
func WithFixedWindowClock(now func() time.Time) FixedWindowOption {
	return func(l *FixedWindowLimiter) { l.now = now }
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(
	s store.Store,
	limit int,
	window time.Duration,
	logger *zap.Logger,
	opts ...FixedWindowOption,
) *FixedWindowLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &FixedWindowLimiter{
		store:  s,
		limit:  limit,
		window: window,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements Limiter. The counter is incremented before the check,
// so denied requests also count within their window.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := l.now()
	windowStart := l.windowStart(now)
	windowKey := fmt.Sprintf("%s:fw:%d", key, windowStart.UnixNano())

	// Add buffer for clock skew between gateway processes.
	count, err := l.store.IncrementWithExpiry(ctx, windowKey, 1, l.window+time.Second)
	if err != nil {
		return nil, err
	}

	allowed := int(count) <= l.limit

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	resetAfter := windowStart.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	var retryAfter time.Duration
	if !allowed {
		retryAfter = resetAfter
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", l.limit),
		)
	}

	return &Result{
		Allowed:    allowed,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAfter: resetAfter,
		RetryAfter: retryAfter,
	}, nil
}

// windowStart returns the start time of the window containing t.
func (l *FixedWindowLimiter) windowStart(t time.Time) time.Time {
	windowNanos := l.window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/windowNanos)*windowNanos)
}
