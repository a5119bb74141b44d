package registry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess     = "success"
	resultNotFound    = "not_found"
	resultUnavailable = "unavailable"
	resultError       = "error"
)

var (
	registryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Total number of registry operations",
		},
		[]string{"backend", "operation", "result"},
	)

	registryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Subsystem: "registry",
			Name:      "operation_duration_seconds",
			Help:      "Duration of registry operations in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)

	registryPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "registry",
			Name:      "expired_instances_total",
			Help:      "Total number of instances reaped after missing their liveness window",
		},
		[]string{"backend", "service"},
	)

	registryGuardState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "emsgw",
			Subsystem: "registry",
			Name:      "store_guard_state",
			Help:      "State of the registry store guard (0=closed, 1=half-open, 2=open)",
		},
	)
)

func recordOperation(backend, operation string, start time.Time, err error) {
	registryOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	registryOperationsTotal.WithLabelValues(backend, operation, resultFor(err)).Inc()
}

func resultFor(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case errors.Is(err, ErrInstanceNotFound):
		return resultNotFound
	case errors.Is(err, ErrRegistryUnavailable):
		return resultUnavailable
	default:
		return resultError
	}
}
