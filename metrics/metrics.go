// Package metrics instruments the sync engine and the local API with Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what instrumented components depend on.
type Recorder interface {
	IncSweeps(trigger, outcome string)
	ObserveSweepDuration(trigger string, d time.Duration)
	IncAttempts(kind, outcome string)
	SetPending(kind string, n int)
	IncRequests(route string, status int)
	ObserveRequestDuration(route string, d time.Duration)
}

// Prometheus implements Recorder on a dedicated registry.
type Prometheus struct {
	registry        *prometheus.Registry
	sweeps          *prometheus.CounterVec
	sweepDuration   *prometheus.HistogramVec
	attempts        *prometheus.CounterVec
	pending         *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the fieldsync collectors on a fresh registry.
func New() *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		sweeps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_sweeps_total",
			Help: "Sync sweeps by trigger and outcome",
		}, []string{"trigger", "outcome"}),

		sweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_sweep_duration_seconds",
			Help:    "Duration of completed sync sweeps",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"trigger"}),

		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_delivery_attempts_total",
			Help: "Record delivery attempts by kind and outcome",
		}, []string{"kind", "outcome"}),

		pending: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_pending_records",
			Help: "Records awaiting remote confirmation",
		}, []string{"kind"}),

		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_api_requests_total",
			Help: "Local API requests by route and status class",
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldsync_api_request_duration_seconds",
			Help:    "Local API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Prometheus) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Prometheus) IncSweeps(trigger, outcome string) {
	m.sweeps.WithLabelValues(trigger, outcome).Inc()
}

func (m *Prometheus) ObserveSweepDuration(trigger string, d time.Duration) {
	m.sweepDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

func (m *Prometheus) IncAttempts(kind, outcome string) {
	m.attempts.WithLabelValues(kind, outcome).Inc()
}

func (m *Prometheus) SetPending(kind string, n int) {
	m.pending.WithLabelValues(kind).Set(float64(n))
}

func (m *Prometheus) IncRequests(route string, status int) {
	m.requests.WithLabelValues(route, statusClass(status)).Inc()
}

func (m *Prometheus) ObserveRequestDuration(route string, d time.Duration) {
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}

// Noop discards everything. Used when metrics are disabled.
type Noop struct{}

func (Noop) IncSweeps(_, _ string)                            {}
func (Noop) ObserveSweepDuration(_ string, _ time.Duration)   {}
func (Noop) IncAttempts(_, _ string)                          {}
func (Noop) SetPending(_ string, _ int)                       {}
func (Noop) IncRequests(_ string, _ int)                      {}
func (Noop) ObserveRequestDuration(_ string, _ time.Duration) {}
