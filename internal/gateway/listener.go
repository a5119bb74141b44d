package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/config"
	"github.com/vyrodovalexey/emsgw/internal/observability"
)

const (
	readHeaderTimeout = 10 * time.Second
	maxHeaderBytes    = 1 << 20
)

// Listener represents an HTTP listener.
type Listener struct {
	name    string
	config  config.ServerConfig
	server  *http.Server
	handler http.Handler
	logger  observability.Logger
	addr    atomic.Value // string
	running atomic.Bool
}

// ListenerOption is a functional option for configuring a listener.
type ListenerOption func(*Listener)

// WithListenerLogger sets the logger for the listener.
func WithListenerLogger(logger observability.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// NewListener creates a new listener.
func NewListener(
	name string,
	cfg config.ServerConfig,
	handler http.Handler,
	opts ...ListenerOption,
) *Listener {
	l := &Listener{
		name:    name,
		config:  cfg,
		handler: handler,
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name returns the listener name.
func (l *Listener) Name() string {
	return l.name
}

// Address returns the bound address once started, otherwise the
// configured one.
func (l *Listener) Address() string {
	if addr, ok := l.addr.Load().(string); ok {
		return addr
	}
	return l.config.Address
}

// Start starts the listener.
func (l *Listener) Start(ctx context.Context) error {
	if l.running.Load() {
		return fmt.Errorf("listener %s is already running", l.name)
	}

	l.server = &http.Server{
		Addr:              l.config.Address,
		Handler:           l.handler,
		ReadTimeout:       l.config.ReadTimeout.Duration(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      l.config.WriteTimeout.Duration(),
		IdleTimeout:       l.config.IdleTimeout.Duration(),
		MaxHeaderBytes:    maxHeaderBytes,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", l.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.config.Address, err)
	}

	l.addr.Store(ln.Addr().String())
	l.running.Store(true)

	l.logger.Info("listener started",
		observability.String("name", l.name),
		observability.String("address", l.Address()),
	)

	go l.serve(ln)

	return nil
}

// serve starts serving requests.
func (l *Listener) serve(ln net.Listener) {
	if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("listener error",
			observability.String("name", l.name),
			observability.Error(err),
		)
	}
	l.running.Store(false)
}

// Stop stops the listener gracefully.
func (l *Listener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}

	l.logger.Info("stopping listener",
		observability.String("name", l.name),
	)

	if err := l.server.Shutdown(ctx); err != nil {
		if closeErr := l.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close listener: %w", closeErr)
		}
		return fmt.Errorf("failed to shutdown listener gracefully: %w", err)
	}

	l.running.Store(false)

	l.logger.Info("listener stopped",
		observability.String("name", l.name),
	)

	return nil
}

// IsRunning returns true if the listener is running.
func (l *Listener) IsRunning() bool {
	return l.running.Load()
}
