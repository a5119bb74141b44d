package circuitbreaker

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one circuit breaker per service.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   *zap.Logger
	opts     []Option
}

// NewRegistry creates a registry. config is used for services that are
// created without an explicit configuration.
func NewRegistry(config *Config, logger *zap.Logger, opts ...Option) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		config: config,
		logger: logger,
		opts:   opts,
	}
}

// Get returns the breaker for name, or nil.
func (r *Registry) Get(name string) *CircuitBreaker {
	value, ok := r.breakers.Load(name)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns the breaker for name, creating it with the
// registry default configuration.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	return r.GetOrCreateWithConfig(name, r.config)
}

// GetOrCreateWithConfig returns the breaker for name, creating it with
// config if it does not exist yet.
func (r *Registry) GetOrCreateWithConfig(name string, config *Config) *CircuitBreaker {
	if value, ok := r.breakers.Load(name); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(name, config, r.logger, r.opts...)
	actual, loaded := r.breakers.LoadOrStore(name, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker", zap.String("service", name))
	return cb
}

// Configure creates the breaker for name or updates the thresholds of
// the existing one. State is preserved across reconfiguration.
func (r *Registry) Configure(name string, config *Config) *CircuitBreaker {
	cb := r.GetOrCreateWithConfig(name, config)
	cb.UpdateConfig(config)
	return cb
}

// Remove drops the breaker for name.
func (r *Registry) Remove(name string) {
	r.breakers.Delete(name)
	CircuitBreakerState.DeleteLabelValues(name)
}

// Names returns the sorted service names that have a breaker.
func (r *Registry) Names() []string {
	var names []string
	r.breakers.Range(func(key, _ interface{}) bool {
		names = append(names, key.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Stats returns statistics for every breaker keyed by service.
func (r *Registry) Stats() map[string]Stats {
	stats := make(map[string]Stats)
	r.breakers.Range(func(key, value interface{}) bool {
		stats[key.(string)] = value.(*CircuitBreaker).Stats()
		return true
	})
	return stats
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, value interface{}) bool {
		value.(*CircuitBreaker).Reset()
		return true
	})
}
