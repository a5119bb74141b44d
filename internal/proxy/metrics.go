package proxy

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "proxy",
			Name:      "upstream_requests_total",
			Help:      "Total number of requests forwarded to backend instances",
		},
		[]string{"service", "code"},
	)

	upstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Subsystem: "proxy",
			Name:      "upstream_duration_seconds",
			Help:      "Duration of single forwarded requests",
			Buckets: []float64{
				.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		[]string{"service"},
	)

	websocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total number of proxied WebSocket connections by result",
		},
		[]string{"service", "result"},
	)

	websocketConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "emsgw",
			Subsystem: "websocket",
			Name:      "connections_active",
			Help:      "Number of open proxied WebSocket connections",
		},
		[]string{"service"},
	)

	websocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emsgw",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total number of relayed WebSocket messages",
		},
		[]string{"service", "direction"},
	)

	websocketConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "emsgw",
			Subsystem: "websocket",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of proxied WebSocket connections",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"service"},
	)
)

const (
	codeError = "error"

	directionToClient  = "to_client"
	directionToBackend = "to_backend"
)

func recordUpstream(service string, status int, start time.Time) {
	code := codeError
	if status > 0 {
		code = strconv.Itoa(status)
	}
	upstreamRequestsTotal.WithLabelValues(service, code).Inc()
	upstreamDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
}
