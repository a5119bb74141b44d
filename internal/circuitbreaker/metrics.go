package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CircuitBreakerState shows the current state of each service breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "emsgw",
			Name:      "circuit_breaker_state",
			Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service"},
	)

	// CircuitBreakerRequestsTotal counts admission decisions.
	CircuitBreakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total number of admission decisions by result",
		},
		[]string{"service", "result"},
	)

	// CircuitBreakerOutcomesTotal counts reported call outcomes.
	CircuitBreakerOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Name:      "circuit_breaker_outcomes_total",
			Help:      "Total number of call outcomes reported to circuit breakers",
		},
		[]string{"service", "outcome"},
	)

	// CircuitBreakerStateChangesTotal counts state transitions.
	CircuitBreakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"service", "from", "to"},
	)
)

// RecordState records the current state of a breaker.
func RecordState(name string, state State) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRequest records an admission decision.
func RecordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	CircuitBreakerRequestsTotal.WithLabelValues(name, result).Inc()
}

// RecordSuccess records a successful outcome.
func RecordSuccess(name string) {
	CircuitBreakerOutcomesTotal.WithLabelValues(name, "success").Inc()
}

// RecordFailure records a failed outcome.
func RecordFailure(name string) {
	CircuitBreakerOutcomesTotal.WithLabelValues(name, "failure").Inc()
}

// RecordStateChange records a transition and the new state.
func RecordStateChange(name string, from, to State) {
	CircuitBreakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	RecordState(name, to)
}
