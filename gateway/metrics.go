// ABOUTME: Prometheus metrics for the gateway, registered on a private registry.
// ABOUTME: Request counters update inline; pool gauges resync from scheduler stats.

package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389-research/relay/scheduler"
)

// Metrics owns the gateway's Prometheus registry. A private registry keeps
// tests from colliding on global collector names.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	failures    *prometheus.CounterVec
	retries     prometheus.Counter
	active      prometheus.Gauge
	poolSize    *prometheus.GaugeVec
	eligible    *prometheus.GaugeVec
	blacklisted prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Completed gateway requests by virtual model and HTTP status.",
		}, []string{"virtual_model", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency, including retries and stream drain.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"virtual_model"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "errors_total",
			Help:      "Errors surfaced to clients by numeric code and category.",
		}, []string{"code", "category"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "retries_total",
			Help:      "Attempts beyond the first across all requests.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_requests",
			Help:      "Requests currently inside the gateway.",
		}),
		poolSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pool_instances",
			Help:      "Pipeline instances per virtual model.",
		}, []string{"virtual_model"}),
		eligible: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pool_eligible_instances",
			Help:      "Instances currently eligible for selection per virtual model.",
		}, []string{"virtual_model"}),
		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "blacklisted_instances",
			Help:      "Live blacklist entries.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.failures, m.retries,
		m.active, m.poolSize, m.eligible, m.blacklisted,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) requestStarted() {
	m.active.Inc()
}

func (m *Metrics) requestFinished(virtualModel string, status int, elapsed time.Duration, retries int) {
	m.active.Dec()
	m.requests.WithLabelValues(virtualModel, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(virtualModel).Observe(elapsed.Seconds())
	if retries > 0 {
		m.retries.Add(float64(retries))
	}
}

func (m *Metrics) observeError(code int, category string) {
	m.failures.WithLabelValues(strconv.Itoa(code), category).Inc()
}

// syncPools resets and repopulates the pool gauges so removed virtual models
// do not linger with stale values.
func (m *Metrics) syncPools(stats scheduler.Stats) {
	m.poolSize.Reset()
	m.eligible.Reset()
	for _, p := range stats.Pools {
		m.poolSize.WithLabelValues(p.VirtualModelID).Set(float64(p.Size))
		m.eligible.WithLabelValues(p.VirtualModelID).Set(float64(p.Eligible))
	}
	m.blacklisted.Set(float64(stats.BlacklistedEntries))
}
