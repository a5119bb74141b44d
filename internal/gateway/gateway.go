package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Gateway owns the inbound listener and the lifecycle of the gateway.
type Gateway struct {
	config    *config.GatewayConfig
	logger    observability.Logger
	handler   http.Handler
	router    *Router
	listener  *Listener
	state     atomic.Int32
	startTime time.Time
	mu        sync.RWMutex

	// Shutdown
	shutdownTimeout time.Duration
}

// Option is a functional option for configuring the gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger observability.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithShutdownTimeout sets the shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.shutdownTimeout = timeout
	}
}

// WithRouter sets the router whose catalog follows configuration reloads.
func WithRouter(router *Router) Option {
	return func(g *Gateway) {
		g.router = router
	}
}

// New creates a new Gateway serving handler.
func New(cfg *config.GatewayConfig, handler http.Handler, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidConfig)
	}

	g := &Gateway{
		config:          cfg,
		logger:          observability.NopLogger(),
		handler:         handler,
		shutdownTimeout: cfg.Spec.Server.ShutdownTimeout.Duration(),
	}
	if g.shutdownTimeout <= 0 {
		g.shutdownTimeout = config.DefaultShutdownTimeout
	}

	for _, opt := range opts {
		opt(g)
	}

	g.state.Store(int32(StateStopped))

	return g, nil
}

// Start starts the gateway.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrGatewayNotStopped
	}

	cfg := g.Config()
	g.logger.Info("starting gateway",
		observability.String("name", cfg.Metadata.Name),
	)

	listener := NewListener("http", cfg.Spec.Server, g.handler, WithListenerLogger(g.logger))
	if err := listener.Start(ctx); err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to start listener %s: %w", listener.Name(), err)
	}

	g.mu.Lock()
	g.listener = listener
	g.startTime = time.Now()
	g.mu.Unlock()
	g.state.Store(int32(StateRunning))

	g.logger.Info("gateway started",
		observability.String("name", cfg.Metadata.Name),
		observability.String("address", listener.Address()),
	)

	return nil
}

// Stop stops the gateway gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrGatewayNotRunning
	}

	g.logger.Info("stopping gateway",
		observability.String("name", g.Config().Metadata.Name),
	)

	// Create timeout context if not already set
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.shutdownTimeout)
		defer cancel()
	}

	g.mu.RLock()
	listener := g.listener
	g.mu.RUnlock()

	var err error
	if listener != nil {
		err = listener.Stop(ctx)
	}

	g.state.Store(int32(StateStopped))

	g.logger.Info("gateway stopped",
		observability.String("name", g.Config().Metadata.Name),
	)

	return err
}

// Reload validates cfg, makes it current and swaps the router catalog.
// Listener settings only take effect on restart.
func (g *Gateway) Reload(cfg *config.GatewayConfig) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()

	if g.router != nil {
		g.router.Configure(cfg.Spec)
	}

	g.logger.Info("gateway configuration reloaded",
		observability.String("name", cfg.Metadata.Name),
		observability.Int("services", len(cfg.Spec.Services)),
	)

	return nil
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// IsRunning returns true if the gateway is running.
func (g *Gateway) IsRunning() bool {
	return g.State() == StateRunning
}

// Uptime returns the gateway uptime.
func (g *Gateway) Uptime() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.startTime.IsZero() {
		return 0
	}
	return time.Since(g.startTime)
}

// Config returns the current configuration.
func (g *Gateway) Config() *config.GatewayConfig {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.config
}

// Address returns the listener address, or "" before Start.
func (g *Gateway) Address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Address()
}
