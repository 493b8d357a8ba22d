package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

// Query results recorded in odoh_queries_total.
const (
	resultOK           = "ok"
	resultInvalid      = "invalid_message"
	resultStaleKey     = "stale_key"
	resultUpstream     = "upstream_error"
	resultRateLimited  = "rate_limited"
	resultOverloaded   = "overloaded"
	resultInternalFail = "internal_error"
)

// Metrics holds the target's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	queries        *prometheus.CounterVec
	queryDuration  prometheus.Histogram
	configRequests prometheus.Counter
	lastRotation   prometheus.Gauge
}

// NewMetrics registers the target collectors and the Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odoh_queries_total",
			Help: "Oblivious queries handled, by result.",
		}, []string{"result"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "odoh_query_duration_seconds",
			Help:    "Time from receiving an encrypted query to writing the encrypted response.",
			Buckets: prometheus.DefBuckets,
		}),
		configRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odoh_config_requests_total",
			Help: "Requests for the published ODoH configuration.",
		}),
		lastRotation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "odoh_key_last_rotation_timestamp_seconds",
			Help: "Unix time of the last successful key rotation.",
		}),
	}

	m.registry.MustRegister(
		m.queries,
		m.queryDuration,
		m.configRequests,
		m.lastRotation,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RegisterRotator exposes the rotator's counters and the age of the current key.
func (m *Metrics) RegisterRotator(r *odoh.Rotator) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "odoh_key_rotations_total",
			Help: "Successful key rotations since start.",
		}, func() float64 { return float64(r.Rotations()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "odoh_key_rotation_failures_total",
			Help: "Failed key rotation attempts since start.",
		}, func() float64 { return float64(r.Failures()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "odoh_key_age_seconds",
			Help: "Age of the current key.",
		}, func() float64 { return time.Since(r.CurrentKey().CreatedAt()).Seconds() }),
	)
}

// ObserveRotation matches odoh.OnRotate.
func (m *Metrics) ObserveRotation(_, current *odoh.KeyMaterial) {
	m.lastRotation.Set(float64(current.CreatedAt().Unix()))
}

func (m *Metrics) observeQuery(result string, start time.Time) {
	m.queries.WithLabelValues(result).Inc()
	m.queryDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeConfigRequest() {
	m.configRequests.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
