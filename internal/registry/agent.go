package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// LivenessCheck reports whether the endpoint an agent speaks for is alive.
type LivenessCheck func(ctx context.Context) error

// Agent keeps one endpoint registered: it registers on Start, heartbeats
// every interval, registers again if the record vanished and deregisters
// on Stop.
//
// An agent that registers on behalf of another process should carry a
// LivenessCheck. While the check fails the agent neither heartbeats nor
// registers, so a dead endpoint ages out of the registry instead of being
// revived by its own agent.
type Agent struct {
	registry Registry
	service  string
	host     string
	port     int
	interval time.Duration
	logger   observability.Logger
	check    LivenessCheck

	mu      sync.Mutex
	id      string
	cancel  context.CancelFunc
	stopped chan struct{}
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithLivenessCheck gates registration and heartbeats on check.
func WithLivenessCheck(check LivenessCheck) AgentOption {
	return func(a *Agent) { a.check = check }
}

// NewAgent creates an agent for service at host:port.
func NewAgent(
	reg Registry,
	service, host string,
	port int,
	interval time.Duration,
	logger observability.Logger,
	opts ...AgentOption,
) *Agent {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &Agent{
		registry: reg,
		service:  service,
		host:     host,
		port:     port,
		interval: interval,
		logger: logger.With(
			observability.String("service", service),
			observability.String("instance_id", InstanceID(service, host, port)),
		),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the instance ID, empty until the first successful registration.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Start registers the endpoint and starts the heartbeat loop. An
// unavailable registry is not fatal: the loop keeps trying.
func (a *Agent) Start(ctx context.Context) error {
	if err := ValidateInstance(a.service, a.host, a.port); err != nil {
		return err
	}
	if a.interval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", a.interval)
	}

	if a.alive(ctx) {
		if err := a.register(ctx); err != nil && !errors.Is(err, ErrRegistryUnavailable) {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.stopped = make(chan struct{})
	go a.loop(loopCtx, a.stopped)
	return nil
}

// Stop ends the heartbeat loop and removes the record.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, stopped := a.cancel, a.stopped
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-stopped

	a.mu.Lock()
	id := a.id
	a.id = ""
	a.mu.Unlock()

	if id == "" {
		return nil
	}
	err := a.registry.Deregister(ctx, id)
	if err != nil && !errors.Is(err, ErrInstanceNotFound) {
		a.logger.Warn("deregistration failed", observability.Error(err))
		return err
	}
	a.logger.Info("instance deregistered on shutdown")
	return nil
}

func (a *Agent) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beat(ctx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	if !a.alive(ctx) {
		return
	}

	id := a.ID()
	if id == "" {
		if err := a.register(ctx); err != nil {
			a.logger.Warn("registration retry failed", observability.Error(err))
		}
		return
	}

	err := a.registry.Heartbeat(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrInstanceNotFound):
		a.logger.Warn("instance record vanished, registering again")
		if err := a.register(ctx); err != nil {
			a.logger.Warn("re-registration failed", observability.Error(err))
		}
	case errors.Is(err, context.Canceled):
	default:
		a.logger.Warn("heartbeat failed", observability.Error(err))
	}
}

func (a *Agent) register(ctx context.Context) error {
	id, err := a.registry.Register(ctx, a.service, a.host, a.port)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
	return nil
}

// alive runs the liveness check, if any.
func (a *Agent) alive(ctx context.Context) bool {
	if a.check == nil {
		return true
	}
	if err := a.check(ctx); err != nil {
		if ctx.Err() == nil {
			a.logger.Debug("endpoint not alive, skipping heartbeat", observability.Error(err))
		}
		return false
	}
	return true
}
