package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes the wait before a retry.
type Backoff interface {
	// Next returns the wait before retry number n, where n is 1 for the
	// wait between the first and the second attempt.
	Next(n int) time.Duration
}

// ExponentialBackoff waits initial*factor^(n-1), optionally capped, plus a
// uniformly random jitter in [0, jitter).
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	jitter  time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates an exponential backoff. A zero max means
// uncapped.
func NewExponentialBackoff(initial, max time.Duration, factor float64, jitter time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		initial: initial,
		max:     max,
		factor:  factor,
		jitter:  jitter,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter is not security sensitive
	}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(n int) time.Duration {
	if n < 1 {
		return 0
	}

	backoff := float64(b.initial) * math.Pow(b.factor, float64(n-1))
	if b.max > 0 && backoff > float64(b.max) {
		backoff = float64(b.max)
	}
	if backoff > math.MaxInt64 {
		backoff = math.MaxInt64
	}

	wait := time.Duration(backoff)
	if b.jitter > 0 {
		b.mu.Lock()
		wait += time.Duration(b.rand.Int63n(int64(b.jitter)))
		b.mu.Unlock()
	}
	return wait
}
