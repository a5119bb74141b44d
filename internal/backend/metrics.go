package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total number of instance health probes by result",
		},
		[]string{"service", "result"},
	)

	healthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Duration of instance health probes in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"service"},
	)

	healthInstancesWatched = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "emsgw",
			Subsystem: "health",
			Name:      "instances_watched",
			Help:      "Number of instances with an active prober",
		},
		[]string{"service"},
	)

	healthDeregistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "health",
			Name:      "deregistrations_total",
			Help:      "Total number of instances removed after consecutive failed probes",
		},
		[]string{"service"},
	)

	loadBalancerPicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "loadbalancer",
			Name:      "picks_total",
			Help:      "Total number of instance selections by result",
		},
		[]string{"service", "result"},
	)
)

func recordProbe(service string, success bool, latency time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	healthProbesTotal.WithLabelValues(service, result).Inc()
	healthProbeDuration.WithLabelValues(service).Observe(latency.Seconds())
}
