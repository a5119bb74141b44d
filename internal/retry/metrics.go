package retry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess     = "success"
	outcomeExhausted   = "exhausted"
	outcomeCircuitOpen = "circuit_open"
	outcomeCanceled    = "canceled"
	outcomePermanent   = "permanent"
)

var (
	// RetryAttemptsTotal counts attempts started.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Name:      "retry_attempts_total",
			Help:      "Total number of call attempts",
		},
		[]string{"service"},
	)

	// RetryOutcomesTotal counts finished executions by outcome.
	RetryOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Name:      "retry_outcomes_total",
			Help:      "Total number of retried executions by outcome",
		},
		[]string{"service", "outcome"},
	)

	// RetryDuration measures whole executions including backoff.
	RetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Name:      "retry_duration_seconds",
			Help:      "Total duration of retried executions in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "outcome"},
	)

	// RetryBackoffDuration measures backoff waits.
	RetryBackoffDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Name:      "retry_backoff_duration_seconds",
			Help:      "Duration of backoff waits in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)
)

// RecordAttempt records an attempt.
func RecordAttempt(service string) {
	RetryAttemptsTotal.WithLabelValues(service).Inc()
}

// RecordBackoff records a backoff wait.
func RecordBackoff(service string, wait time.Duration) {
	RetryBackoffDuration.WithLabelValues(service).Observe(wait.Seconds())
}

func recordOutcome(service, outcome string, start time.Time) {
	RetryOutcomesTotal.WithLabelValues(service, outcome).Inc()
	RetryDuration.WithLabelValues(service, outcome).Observe(time.Since(start).Seconds())
}
