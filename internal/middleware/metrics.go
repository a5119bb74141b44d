package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitAllowed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "emsgw",
		Subsystem: "middleware",
		Name:      "rate_limit_allowed_total",
		Help:      "Total number of requests allowed by the rate limiter",
	})

	rateLimitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "emsgw",
		Subsystem: "middleware",
		Name:      "rate_limit_rejected_total",
		Help:      "Total number of requests rejected by the rate limiter",
	})

	rateLimitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "emsgw",
		Subsystem: "middleware",
		Name:      "rate_limit_errors_total",
		Help:      "Total number of requests let through because the limiter failed",
	})

	bodyLimitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "emsgw",
		Subsystem: "middleware",
		Name:      "body_limit_rejected_total",
		Help:      "Total number of requests rejected for body size",
	})

	panicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "emsgw",
		Subsystem: "middleware",
		Name:      "panics_recovered_total",
		Help:      "Total number of panics recovered",
	})

	corsPreflights = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "emsgw",
		Subsystem: "middleware",
		Name:      "cors_preflight_total",
		Help:      "Total number of CORS preflight requests answered",
	})
)
