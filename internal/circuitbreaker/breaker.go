package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateOpen rejects every call until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen admits exactly one probe call.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// Ticket identifies one call admitted by Allow. Outcomes are reported
// with the ticket so that a result is only applied to the state it was
// admitted under.
type Ticket struct {
	generation uint64
	probe      bool
}

// Probe reports whether the ticket was issued to the half-open probe.
func (t Ticket) Probe() bool {
	return t.probe
}

// CircuitBreaker protects one logical service.
//
// All transitions happen under mu, so the CLOSED->OPEN trip, the
// OPEN->HALF_OPEN promotion and the single probe admission are atomic
// with respect to concurrent callers. Every transition starts a new
// generation; outcomes carrying an older generation are dropped.
type CircuitBreaker struct {
	name   string
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	config     Config
	state      State
	generation uint64

	consecutiveFails int

	lastFailure     time.Time
	lastStateChange time.Time

	totalSuccesses uint64
	totalFailures  uint64
	rejected       uint64
	stale          uint64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config *Config, logger *zap.Logger, opts ...Option) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.Validate()

	if logger == nil {
		logger = zap.NewNop()
	}

	cb := &CircuitBreaker{
		name:   name,
		logger: logger,
		now:    time.Now,
		config: cfg,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastStateChange = cb.now()

	RecordState(name, StateClosed)
	return cb
}

// Allow reports whether a call may proceed and returns the ticket its
// outcome must be reported with.
//
// While open, the first caller after the recovery timeout moves the
// breaker to half-open and is admitted as the probe. Every other caller
// is rejected until the probe reports through RecordSuccess,
// RecordFailure or Abandon.
func (cb *CircuitBreaker) Allow() (Ticket, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	var ticket Ticket
	allowed := false

	switch cb.state {
	case StateClosed:
		ticket = Ticket{generation: cb.generation}
		allowed = true

	case StateOpen:
		if now.Sub(cb.lastStateChange) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen, now)
			ticket = Ticket{generation: cb.generation, probe: true}
			allowed = true
		}

	case StateHalfOpen:
		// The probe is in flight.
	}

	if !allowed {
		cb.rejected++
	}
	RecordRequest(cb.name, allowed)

	return ticket, allowed
}

// current must be called with mu held.
func (cb *CircuitBreaker) current(t Ticket) bool {
	if t.generation == cb.generation {
		return true
	}
	cb.stale++
	return false
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	RecordSuccess(cb.name)

	if !cb.current(t) {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails = 0
	case StateHalfOpen:
		cb.transitionTo(StateClosed, cb.now())
	case StateOpen:
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.totalFailures++
	cb.lastFailure = now
	RecordFailure(cb.name)

	if !cb.current(t) {
		return
	}

	switch cb.state {
	case StateClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen, now)
		}
	case StateHalfOpen:
		cb.transitionTo(StateOpen, now)
	case StateOpen:
	}
}

// Abandon releases a call whose outcome will never be known, for example
// because the caller went away. Only the half-open probe's own ticket has
// an effect: the breaker returns to open without restarting the recovery
// timer, so the next caller becomes the new probe.
func (cb *CircuitBreaker) Abandon(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !t.probe || cb.state != StateHalfOpen || t.generation != cb.generation {
		return
	}

	opened := cb.now().Add(-cb.config.RecoveryTimeout)
	cb.transitionTo(StateOpen, opened)
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(next State, at time.Time) {
	prev := cb.state
	cb.state = next
	cb.lastStateChange = at
	cb.consecutiveFails = 0
	cb.generation++

	RecordStateChange(cb.name, prev, next)

	cb.logger.Info("circuit breaker state changed",
		zap.String("service", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(cb.name, prev, next)
	}
}

// State returns the current state. It does not promote an expired open
// circuit; only Allow does.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the protected service name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// UpdateConfig replaces the thresholds without touching the current state.
func (cb *CircuitBreaker) UpdateConfig(config *Config) {
	if config == nil {
		return
	}
	cfg := *config
	cfg.Validate()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.config = cfg
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.transitionTo(StateClosed, cb.now())
	}
	cb.consecutiveFails = 0

	cb.logger.Info("circuit breaker reset", zap.String("service", cb.name))
}

// Stats is a point in time view of a circuit breaker.
type Stats struct {
	State               State
	ConsecutiveFailures int
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	LastFailure         time.Time
	LastStateChange     time.Time
	TotalSuccesses      uint64
	TotalFailures       uint64
	Rejected            uint64
	StaleOutcomes       uint64
}

// Stats returns the current statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFails,
		FailureThreshold:    cb.config.FailureThreshold,
		RecoveryTimeout:     cb.config.RecoveryTimeout,
		LastFailure:         cb.lastFailure,
		LastStateChange:     cb.lastStateChange,
		TotalSuccesses:      cb.totalSuccesses,
		TotalFailures:       cb.totalFailures,
		Rejected:            cb.rejected,
		StaleOutcomes:       cb.stale,
	}
}

// RetryAfter returns how long until an open circuit admits a probe.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.config.RecoveryTimeout - cb.now().Sub(cb.lastStateChange)
	if remaining < 0 {
		return 0
	}
	return remaining
}
