package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/vyrodovalexey/emsgw/internal/circuitbreaker"
)

// Breaker is the circuit breaker contract the executor drives.
// *circuitbreaker.CircuitBreaker implements it.
type Breaker interface {
	Allow() (circuitbreaker.Ticket, bool)
	RecordSuccess(circuitbreaker.Ticket)
	RecordFailure(circuitbreaker.Ticket)
	Abandon(circuitbreaker.Ticket)
	State() circuitbreaker.State
	RetryAfter() time.Duration
}

// Call performs one attempt. ctx carries the per-attempt deadline; attempt
// is 1-based.
type Call func(ctx context.Context, attempt int) error

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs calls with bounded retries gated by a circuit breaker.
type Executor struct {
	logger *zap.Logger
	sleep  Sleeper
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSleeper replaces the backoff wait.
func WithSleeper(s Sleeper) ExecutorOption {
	return func(e *Executor) { e.sleep = s }
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger: logger,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Do runs call up to policy.MaxAttempts times.
//
// Each attempt is gated by breaker.Allow; a denial returns
// *CircuitOpenError at once without waiting. A failed attempt is reported
// to the breaker and followed by the policy backoff. When every attempt
// fails the result is *RetryExhaustedError wrapping the last failure. If
// ctx ends, no further attempt starts and ctx.Err() is returned.
func (e *Executor) Do(ctx context.Context, service string, breaker Breaker, policy Policy, call Call) error {
	policy = policy.Normalize()
	backoff := policy.Backoff()
	start := time.Now()

	var last error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			recordOutcome(service, outcomeCanceled, start)
			return err
		}

		ticket, ok := breaker.Allow()
		if !ok {
			recordOutcome(service, outcomeCircuitOpen, start)
			return &CircuitOpenError{
				Service:    service,
				Attempt:    attempt,
				RetryAfter: breaker.RetryAfter(),
			}
		}

		RecordAttempt(service)
		err := e.attempt(ctx, service, attempt, policy.AttemptTimeout, call)
		if err == nil {
			breaker.RecordSuccess(ticket)
			recordOutcome(service, outcomeSuccess, start)
			return nil
		}

		if ctx.Err() != nil || IsPermanent(err) {
			breaker.Abandon(ticket)
			if ctxErr := ctx.Err(); ctxErr != nil {
				recordOutcome(service, outcomeCanceled, start)
				return ctxErr
			}
			recordOutcome(service, outcomePermanent, start)
			return err
		}

		breaker.RecordFailure(ticket)
		last = err

		if attempt == policy.MaxAttempts {
			break
		}

		wait := backoff.Next(attempt)

		// The failure just tripped the breaker and it will still be open
		// when the wait is over.
		if breaker.State() == circuitbreaker.StateOpen && breaker.RetryAfter() > wait {
			recordOutcome(service, outcomeCircuitOpen, start)
			return &CircuitOpenError{
				Service:    service,
				Attempt:    attempt + 1,
				RetryAfter: breaker.RetryAfter(),
			}
		}

		e.logger.Debug("retrying request",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		RecordBackoff(service, wait)

		if err := e.sleep(ctx, wait); err != nil {
			recordOutcome(service, outcomeCanceled, start)
			return err
		}
	}

	recordOutcome(service, outcomeExhausted, start)
	return &RetryExhaustedError{
		Service:  service,
		Attempts: policy.MaxAttempts,
		Last:     last,
	}
}

// attempt runs a single call under the per-attempt deadline and
// classifies its failure.
func (e *Executor) attempt(ctx context.Context, service string, attempt int, timeout time.Duration, call Call) error {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := call(attemptCtx, attempt)
	if err == nil || IsPermanent(err) || ctx.Err() != nil {
		return err
	}

	var timeoutErr *CallTimeoutError
	var transportErr *CallTransportError
	if errors.As(err, &timeoutErr) || errors.As(err, &transportErr) {
		return err
	}

	if isTimeout(err) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &CallTimeoutError{Service: service, Attempt: attempt, Timeout: timeout, Err: err}
	}
	return &CallTransportError{Service: service, Attempt: attempt, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
