package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LocalLimiter is an in-process token bucket per key: the bucket holds
// limit tokens and refills at limit per window. Keys idle for more than
// two windows are evicted.
type LocalLimiter struct {
	limit  int
	window time.Duration
	every  rate.Limit
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalOption configures a LocalLimiter.
type LocalOption func(*LocalLimiter)

// WithLocalClock sets the time source.
func WithLocalClock(now func() time.Time) LocalOption {
	return func(l *LocalLimiter) { l.now = now }
}

// NewLocalLimiter creates an in-process limiter allowing limit requests per
// window for each key.
func NewLocalLimiter(limit int, window time.Duration, logger *zap.Logger, opts ...LocalOption) *LocalLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &LocalLimiter{
		limit:   limit,
		window:  window,
		every:   rate.Limit(float64(limit) / window.Seconds()),
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string) (*Result, error) {
	now := l.now()

	l.mu.Lock()
	b := l.bucketLocked(key, now)
	l.sweepLocked(now)
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return &Result{Allowed: false, Limit: l.limit, RetryAfter: l.window, ResetAfter: l.window}, nil
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		l.logger.Debug("rate limit exceeded", zap.String("key", key))
		return &Result{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			ResetAfter: l.refillTime(b.limiter.TokensAt(now)),
			RetryAfter: delay,
		}, nil
	}

	tokens := b.limiter.TokensAt(now)
	return &Result{
		Allowed:    true,
		Limit:      l.limit,
		Remaining:  int(math.Max(0, math.Floor(tokens))),
		ResetAfter: l.refillTime(tokens),
	}, nil
}

// Len returns the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *LocalLimiter) bucketLocked(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.limit)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now

	idle := 2 * l.window
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, key)
		}
	}
}

// refillTime is how long until the bucket is full again.
func (l *LocalLimiter) refillTime(tokens float64) time.Duration {
	missing := float64(l.limit) - tokens
	if missing <= 0 || l.every <= 0 {
		return 0
	}
	return time.Duration(missing / float64(l.every) * float64(time.Second))
}
