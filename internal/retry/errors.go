package retry

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors matched through errors.Is on the typed errors below.
var (
	// ErrCircuitOpen is matched by *CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrRetryExhausted is matched by *RetryExhaustedError.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrCallTimeout is matched by *CallTimeoutError.
	ErrCallTimeout = errors.New("call timed out")

	// ErrCallTransport is matched by *CallTransportError.
	ErrCallTransport = errors.New("call failed")
)

// CircuitOpenError is returned when the breaker denies an attempt. It
// costs no retry budget and no backoff.
type CircuitOpenError struct {
	Service string
	// Attempt is the attempt that was denied.
	Attempt int
	// RetryAfter is the time left before the breaker admits a probe.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("service %s: %s", e.Service, ErrCircuitOpen)
}

// Is matches ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryExhaustedError is returned when every attempt failed.
type RetryExhaustedError struct {
	Service  string
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("service %s: %s after %d attempt(s): %v", e.Service, ErrRetryExhausted, e.Attempts, e.Last)
}

// Unwrap returns the last attempt error.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Is matches ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// CallTimeoutError is a single attempt that exceeded its deadline.
type CallTimeoutError struct {
	Service string
	Attempt int
	Timeout time.Duration
	Err     error
}

// Error implements the error interface.
func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("service %s attempt %d: %s after %s", e.Service, e.Attempt, ErrCallTimeout, e.Timeout)
}

// Unwrap returns the underlying error.
func (e *CallTimeoutError) Unwrap() error {
	return e.Err
}

// Is matches ErrCallTimeout.
func (e *CallTimeoutError) Is(target error) bool {
	return target == ErrCallTimeout
}

// CallTransportError is a single attempt that failed for any reason other
// than its deadline: refused or reset connections, upstream errors.
type CallTransportError struct {
	Service string
	Attempt int
	Err     error
}

// Error implements the error interface.
func (e *CallTransportError) Error() string {
	return fmt.Sprintf("service %s attempt %d: %s: %v", e.Service, e.Attempt, ErrCallTransport, e.Err)
}

// Unwrap returns the underlying error.
func (e *CallTransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrCallTransport.
func (e *CallTransportError) Is(target error) bool {
	return target == ErrCallTransport
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor returns it without retrying and
// without reporting an outcome to the breaker. Use it for failures that
// say nothing about the backend, such as an unreadable inbound body.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
