package retry

import "time"

// Policy is the retry policy of one service. It is loaded from
// configuration and treated as an immutable value.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Multiplier scales the wait for every further attempt.
	Multiplier float64

	// Jitter is the upper bound of a random extra wait. Zero disables it.
	Jitter time.Duration

	// MaxDelay caps the wait. Zero means uncapped.
	MaxDelay time.Duration

	// AttemptTimeout bounds a single attempt. Zero leaves attempts bounded
	// only by the caller's context.
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 10 * time.Second,
	}
}

// Normalize returns a copy with out of range fields replaced.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Backoff returns the backoff schedule of the policy.
func (p Policy) Backoff() Backoff {
	return NewExponentialBackoff(p.BaseDelay, p.MaxDelay, p.Multiplier, p.Jitter)
}

// DelayBefore returns the deterministic part of the wait before attempt k
// (1-based): zero for the first attempt, BaseDelay*Multiplier^(k-2) after.
func (p Policy) DelayBefore(k int) time.Duration {
	return NewExponentialBackoff(p.BaseDelay, p.MaxDelay, p.Multiplier, 0).Next(k - 1)
}
