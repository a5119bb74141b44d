package gateway

import (
	"context"
	"sort"
	"time"

	"github.com/vyrodovalexey/emsgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/emsgw/internal/observability"
	"github.com/vyrodovalexey/emsgw/internal/registry"
)

// Overall and per service status values.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
)

// ServiceStatus is the operator view of one service.
type ServiceStatus struct {
	Name             string `json:"name"`
	CircuitState     string `json:"circuit_state"`
	HealthyInstances int    `json:"healthy_instances"`
	Instances        int    `json:"instances"`
	// Status is available, degraded (instances but breaker not closed)
	// or unavailable.
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// StatusReport is the composite health view of the gateway.
type StatusReport struct {
	Gateway       string          `json:"gateway"`
	OverallStatus string          `json:"overall_status"`
	Services      []ServiceStatus `json:"services"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Status builds the composite view for every catalog service and every
// service known to the registry. It is for operators; routing never
// reads it.
func (r *Router) Status(ctx context.Context) StatusReport {
	names := r.knownServices(ctx)

	report := StatusReport{
		Gateway:       StatusHealthy,
		OverallStatus: StatusHealthy,
		Services:      make([]ServiceStatus, 0, len(names)),
		Timestamp:     time.Now().UTC(),
	}

	for _, name := range names {
		st := r.serviceStatus(ctx, name)
		if st.Status != StatusAvailable {
			report.OverallStatus = StatusDegraded
		}
		report.Services = append(report.Services, st)
	}
	return report
}

func (r *Router) serviceStatus(ctx context.Context, name string) ServiceStatus {
	st := ServiceStatus{
		Name:         name,
		CircuitState: circuitbreaker.StateClosed.String(),
	}
	if cb := r.breakers.Get(name); cb != nil {
		st.CircuitState = cb.State().String()
	}

	instances, err := r.registry.ListAll(ctx, name)
	if err != nil {
		r.logger.WithContext(ctx).Warn("failed to list service instances",
			observability.String("service", name),
			observability.Error(err),
		)
		st.Status = StatusUnavailable
		st.Error = err.Error()
		return st
	}

	st.Instances = len(instances)
	for _, inst := range instances {
		if inst.Healthy {
			st.HealthyInstances++
		}
	}

	switch {
	case st.HealthyInstances == 0:
		st.Status = StatusUnavailable
	case st.CircuitState != circuitbreaker.StateClosed.String():
		st.Status = StatusDegraded
	default:
		st.Status = StatusAvailable
	}
	return st
}

// knownServices merges the catalog with the registry. A registry failure
// leaves the catalog alone.
func (r *Router) knownServices(ctx context.Context) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, name := range r.Services() {
		add(name)
	}
	registered, err := r.registry.Services(ctx)
	if err != nil {
		r.logger.WithContext(ctx).Warn("failed to list registered services",
			observability.Error(err),
		)
	}
	for _, name := range registered {
		add(name)
	}

	sort.Strings(names)
	return names
}

// Instances returns every live instance of service, healthy or not.
func (r *Router) Instances(ctx context.Context, service string) ([]registry.ServiceInstance, error) {
	return r.registry.ListAll(ctx, service)
}
