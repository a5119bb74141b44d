package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readinessChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "readiness",
			Name:      "checks_total",
			Help:      "Total number of readiness dependency checks",
		},
		[]string{"check", "status"},
	)

	readinessCheckStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "emsgw",
			Subsystem: "readiness",
			Name:      "check_status",
			Help:      "Last readiness check status (1=healthy, 0=unhealthy)",
		},
		[]string{"check"},
	)

	readinessStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "emsgw",
			Subsystem: "readiness",
			Name:      "status",
			Help:      "Current readiness status of the gateway",
		},
		[]string{"status"},
	)
)

func recordCheck(name string, status Status) {
	readinessChecksTotal.WithLabelValues(name, string(status)).Inc()
	value := 0.0
	if status == StatusHealthy {
		value = 1
	}
	readinessCheckStatus.WithLabelValues(name).Set(value)
}

func recordReadiness(status Status) {
	for _, s := range []Status{StatusHealthy, StatusDegraded, StatusUnhealthy} {
		value := 0.0
		if s == status {
			value = 1
		}
		readinessStatus.WithLabelValues(string(s)).Set(value)
	}
}
