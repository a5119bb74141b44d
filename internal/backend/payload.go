package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxHealthBodySize bounds the health response read from an instance.
const maxHealthBodySize = 64 << 10

// ErrInvalidHealthPayload is returned when a health response does not
// decode into a HealthPayload with a known status.
var ErrInvalidHealthPayload = errors.New("invalid health payload")

// HealthStatus is the overall status an instance reports about itself.
type HealthStatus string

// Reported statuses.
const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Valid reports whether s is one of the known statuses.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthStatusHealthy, HealthStatusDegraded, HealthStatusUnhealthy:
		return true
	}
	return false
}

// Serving reports whether an instance with status s may receive traffic.
// A degraded instance still serves.
func (s HealthStatus) Serving() bool {
	return s == HealthStatusHealthy || s == HealthStatusDegraded
}

// HealthPayload is the body of a backend health endpoint.
type HealthPayload struct {
	Service      string            `json:"service"`
	Status       HealthStatus      `json:"status"`
	Timestamp    string            `json:"timestamp,omitempty"`
	Error        string            `json:"error,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// DecodeHealthPayload reads and validates a health response body.
func DecodeHealthPayload(r io.Reader) (HealthPayload, error) {
	var p HealthPayload
	if err := json.NewDecoder(io.LimitReader(r, maxHealthBodySize)).Decode(&p); err != nil {
		return HealthPayload{}, fmt.Errorf("%w: %w", ErrInvalidHealthPayload, err)
	}

	p.Status = HealthStatus(strings.ToLower(strings.TrimSpace(string(p.Status))))
	if !p.Status.Valid() {
		return HealthPayload{}, fmt.Errorf("%w: unknown status %q", ErrInvalidHealthPayload, p.Status)
	}
	return p, nil
}
