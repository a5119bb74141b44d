package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/backend"
	"github.com/vyrodovalexey/emsgw/internal/registry"
	"github.com/vyrodovalexey/emsgw/internal/retry"
)

// Sentinel errors for gateway operations.
var (
	// ErrGatewayNotStopped indicates that the gateway is not in
	// stopped state when a start operation is attempted.
	ErrGatewayNotStopped = errors.New("gateway is not in stopped state")

	// ErrGatewayNotRunning indicates that the gateway is not
	// running when a stop operation is attempted.
	ErrGatewayNotRunning = errors.New("gateway is not running")

	// ErrNilConfig indicates that a nil configuration was provided.
	ErrNilConfig = errors.New("configuration is required")

	// ErrInvalidConfig indicates that the provided configuration
	// is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownService indicates a request for a service that is not in
	// the catalog.
	ErrUnknownService = errors.New("unknown service")
)

// StatusClientClosedRequest is reported when the client went away before
// the gateway could answer.
const StatusClientClosedRequest = 499

// ErrorKind classifies a routing failure.
type ErrorKind string

// Routing failure kinds.
const (
	KindNoHealthyInstance   ErrorKind = "no_healthy_instance"
	KindRegistryUnavailable ErrorKind = "registry_unavailable"
	KindCircuitOpen         ErrorKind = "circuit_open"
	KindRetryExhausted      ErrorKind = "retry_exhausted"
	KindTimeout             ErrorKind = "timeout"
	KindTransport           ErrorKind = "transport"
	KindClientCanceled      ErrorKind = "client_canceled"
	KindUnknownService      ErrorKind = "unknown_service"
)

// StatusFor maps a failure kind to the status returned to the client.
func StatusFor(kind ErrorKind) int {
	switch kind {
	case KindNoHealthyInstance, KindRegistryUnavailable, KindCircuitOpen:
		return http.StatusServiceUnavailable
	case KindRetryExhausted, KindTransport:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindClientCanceled:
		return StatusClientClosedRequest
	case KindUnknownService:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RouteError is a classified routing failure.
type RouteError struct {
	Kind    ErrorKind
	Service string
	// Instance is the ID of the last instance tried, if any.
	Instance string
	// Attempts is the number of attempts made.
	Attempts int
	// RetryAfter is set for KindCircuitOpen.
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s: %s: %v", e.Service, e.Kind, e.Cause)
}

// Unwrap returns the underlying error.
func (e *RouteError) Unwrap() error {
	return e.Cause
}

// StatusCode returns the client facing status. Exhausted retries whose
// last attempt timed out are reported as a gateway timeout.
func (e *RouteError) StatusCode() int {
	if e.Kind == KindRetryExhausted && errors.Is(e.Cause, retry.ErrCallTimeout) {
		return http.StatusGatewayTimeout
	}
	return StatusFor(e.Kind)
}

// Message is the human readable text sent to the client.
func (e *RouteError) Message() string {
	switch e.Kind {
	case KindNoHealthyInstance, KindRegistryUnavailable:
		return "service unavailable"
	case KindCircuitOpen:
		return "service temporarily degraded"
	case KindRetryExhausted, KindTransport:
		return "upstream service failed"
	case KindTimeout:
		return "upstream service timed out"
	case KindClientCanceled:
		return "client closed request"
	case KindUnknownService:
		return "service not found"
	default:
		return "internal error"
	}
}

// UpstreamStatusError is a backend answer with a server error status. It
// counts as a failed attempt.
type UpstreamStatusError struct {
	Service    string
	Instance   string
	StatusCode int
}

// Error implements the error interface.
func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("service %s instance %s answered %d", e.Service, e.Instance, e.StatusCode)
}

// classify maps an error from the layers below to a failure kind.
func classify(err error) ErrorKind {
	var circuitErr *retry.CircuitOpenError
	switch {
	case errors.As(err, &circuitErr):
		return KindCircuitOpen
	case errors.Is(err, retry.ErrRetryExhausted):
		return KindRetryExhausted
	case errors.Is(err, ErrUnknownService):
		return KindUnknownService
	// A registry outage is also reported as no healthy instance, so it
	// has to be checked first.
	case errors.Is(err, registry.ErrRegistryUnavailable):
		return KindRegistryUnavailable
	case errors.Is(err, backend.ErrNoHealthyInstance):
		return KindNoHealthyInstance
	case errors.Is(err, context.Canceled):
		return KindClientCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, retry.ErrCallTimeout):
		return KindTimeout
	default:
		return KindTransport
	}
}
