// Package health provides the gateway's own liveness and readiness probes.
//
// Backend instance health lives in the backend package; this package only
// answers whether this gateway process should receive traffic.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status represents the health status.
type Status string

const (
	// StatusHealthy indicates the gateway is healthy.
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the gateway is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded indicates a non-critical dependency is failing.
	StatusDegraded Status = "degraded"
)

// DefaultCheckTimeout bounds one readiness evaluation.
const DefaultCheckTimeout = 3 * time.Second

// ErrDraining is reported while the gateway is shutting down.
var ErrDraining = errors.New("gateway is draining")

// HealthResponse represents the liveness response.
type HealthResponse struct {
	Status    Status    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response.
type ReadinessResponse struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Check represents an individual dependency check result.
type Check struct {
	Status   Status `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
	Duration string `json:"duration,omitempty"`
}

// CheckFunc performs a dependency check. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Pinger is implemented by dependencies that can answer a ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger, such as the service registry, to a CheckFunc.
func PingCheck(p Pinger) CheckFunc {
	return p.Ping
}

type dependency struct {
	check    CheckFunc
	critical bool
}

// Checker evaluates liveness and readiness of the gateway.
type Checker struct {
	version   string
	startTime time.Time
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	checks   map[string]dependency
	draining atomic.Bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// WithTimeout bounds each readiness evaluation.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// NewChecker creates a new health checker.
func NewChecker(version string, opts ...Option) *Checker {
	c := &Checker{
		version: version,
		timeout: DefaultCheckTimeout,
		logger:  zap.NewNop(),
		now:     time.Now,
		checks:  make(map[string]dependency),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startTime = c.now()
	return c
}

// RegisterCheck registers a dependency check. A failing critical check
// makes the gateway unready; a failing non-critical check degrades it.
func (c *Checker) RegisterCheck(name string, critical bool, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = dependency{check: check, critical: critical}
}

// UnregisterCheck removes a dependency check.
func (c *Checker) UnregisterCheck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, name)
}

// SetDraining marks the gateway as shutting down. A draining gateway is
// alive but not ready.
func (c *Checker) SetDraining(draining bool) {
	if c.draining.Swap(draining) != draining {
		c.logger.Info("readiness draining state changed", zap.Bool("draining", draining))
	}
}

// IsDraining reports whether SetDraining(true) is in effect.
func (c *Checker) IsDraining() bool {
	return c.draining.Load()
}

// Health returns the liveness status.
func (c *Checker) Health() HealthResponse {
	now := c.now()
	return HealthResponse{
		Status:    StatusHealthy,
		Version:   c.version,
		Uptime:    now.Sub(c.startTime).Round(time.Second).String(),
		Timestamp: now.UTC(),
	}
}

// Readiness runs every registered check concurrently and folds the results.
func (c *Checker) Readiness(ctx context.Context) ReadinessResponse {
	resp := ReadinessResponse{
		Status:    StatusHealthy,
		Checks:    make(map[string]Check),
		Timestamp: c.now().UTC(),
	}

	if c.draining.Load() {
		resp.Status = StatusUnhealthy
		resp.Checks["draining"] = Check{Status: StatusUnhealthy, Message: ErrDraining.Error(), Critical: true}
		recordReadiness(resp.Status)
		return resp
	}

	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	deps := make([]dependency, len(names))
	sort.Strings(names)
	for i, name := range names {
		deps[i] = c.checks[name]
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]Check, len(deps))
	var wg sync.WaitGroup
	for i := range deps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.run(ctx, names[i], deps[i])
		}(i)
	}
	wg.Wait()

	for i, name := range names {
		result := results[i]
		resp.Checks[name] = result
		if result.Status == StatusHealthy {
			continue
		}
		if result.Critical {
			resp.Status = StatusUnhealthy
		} else if resp.Status == StatusHealthy {
			resp.Status = StatusDegraded
		}
	}

	recordReadiness(resp.Status)
	return resp
}

func (c *Checker) run(ctx context.Context, name string, dep dependency) Check {
	start := time.Now()
	err := dep.check(ctx)
	duration := time.Since(start)

	result := Check{
		Status:   StatusHealthy,
		Critical: dep.critical,
		Duration: duration.String(),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		c.logger.Warn("readiness check failed",
			zap.String("check", name),
			zap.Bool("critical", dep.critical),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	}
	recordCheck(name, result.Status)
	return result
}
