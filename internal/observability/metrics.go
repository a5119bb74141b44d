package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unroutedService labels requests that did not target a backend service,
// keeping the label cardinality bounded by the service catalog.
const unroutedService = "none"

// Metrics holds the gateway level Prometheus metrics.
//
// Component metrics (circuit breakers, retries, registry, probes) are
// registered through promauto on the default registry; Handler serves
// both registries.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	routeFailures   *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
	buildInfo       *prometheus.GaugeVec
	startTime       prometheus.Gauge
	registry        *prometheus.Registry
}

// NewMetrics creates the gateway metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "emsgw"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests",
		},
		[]string{"method", "service", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		[]string{"method", "service"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of inbound requests being served",
		},
	)

	m.routeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_failures_total",
			Help:      "Routing failures by service and failure kind",
		},
		[]string{"service", "kind"},
	)

	m.rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Requests rejected by the client rate limiter",
		},
		[]string{"service"},
	)

	m.configReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reloads by result",
		},
		[]string{"result"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the gateway in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.routeFailures,
		m.rateLimitHits,
		m.configReloads,
		m.buildInfo,
		m.startTime,
	)
	m.startTime.SetToCurrentTime()

	return m
}

// RecordRequest records a completed inbound request.
func (m *Metrics) RecordRequest(method, service string, status int, duration time.Duration) {
	if service == "" {
		service = unroutedService
	}
	m.requestsTotal.WithLabelValues(method, service, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, service).Observe(duration.Seconds())
}

// IncActiveRequests increments the in-flight gauge.
func (m *Metrics) IncActiveRequests() { m.activeRequests.Inc() }

// DecActiveRequests decrements the in-flight gauge.
func (m *Metrics) DecActiveRequests() { m.activeRequests.Dec() }

// RecordRouteFailure counts a classified routing failure.
func (m *Metrics) RecordRouteFailure(service, kind string) {
	m.routeFailures.WithLabelValues(service, kind).Inc()
}

// RecordRateLimitHit counts a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimitHit(service string) {
	if service == "" {
		service = unroutedService
	}
	m.rateLimitHits.WithLabelValues(service).Inc()
}

// RecordConfigReload counts a configuration reload attempt.
func (m *Metrics) RecordConfigReload(success bool) {
	result := "success"
	if !success {
		result = "error"
	}
	m.configReloads.WithLabelValues(result).Inc()
}

// SetBuildInfo publishes the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Registry returns the gateway metrics registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the gateway registry merged with the default registry.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{m.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
