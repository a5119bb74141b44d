package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/registry"
)

// ErrNoHealthyInstance is returned when a service has no instance that can
// take traffic. A registry outage is reported the same way, wrapped
// together with registry.ErrRegistryUnavailable.
var ErrNoHealthyInstance = errors.New("no healthy instance available")

// LoadBalancer picks healthy instances round-robin, one cursor per service.
type LoadBalancer struct {
	registry registry.Registry
	logger   observability.Logger
	cursors  sync.Map // service name -> *atomic.Uint64
}

// NewLoadBalancer creates a round-robin load balancer over reg.
func NewLoadBalancer(reg registry.Registry, logger observability.Logger) *LoadBalancer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LoadBalancer{
		registry: reg,
		logger:   logger,
	}
}

// Pick returns the next healthy instance of service.
//
// The healthy set is ordered by instance ID, so with a stable set of N
// instances no instance is picked twice before every other one was picked
// once.
func (lb *LoadBalancer) Pick(ctx context.Context, service string) (registry.ServiceInstance, error) {
	healthy, err := lb.registry.ListHealthy(ctx, service)
	if err != nil {
		if errors.Is(err, registry.ErrRegistryUnavailable) {
			lb.logger.Error("service registry unavailable, treating service as having no healthy instances",
				observability.String("service", service),
				observability.Error(err),
			)
			loadBalancerPicksTotal.WithLabelValues(service, "registry_unavailable").Inc()
			return registry.ServiceInstance{}, fmt.Errorf("service %s: %w: %w", service, ErrNoHealthyInstance, err)
		}
		loadBalancerPicksTotal.WithLabelValues(service, "error").Inc()
		return registry.ServiceInstance{}, fmt.Errorf("listing instances of %s: %w", service, err)
	}

	if len(healthy) == 0 {
		loadBalancerPicksTotal.WithLabelValues(service, "no_healthy_instance").Inc()
		return registry.ServiceInstance{}, fmt.Errorf("service %s: %w", service, ErrNoHealthyInstance)
	}

	idx := lb.cursor(service).Add(1) - 1
	loadBalancerPicksTotal.WithLabelValues(service, "success").Inc()
	return healthy[idx%uint64(len(healthy))], nil
}

func (lb *LoadBalancer) cursor(service string) *atomic.Uint64 {
	if c, ok := lb.cursors.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := lb.cursors.LoadOrStore(service, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}
