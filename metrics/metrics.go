// Package metrics holds the Prometheus collectors of the API process. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gigescrow"

type Metrics struct {
	registry *prometheus.Registry

	disputesOpened   *prometheus.CounterVec
	disputesResolved *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	settledAmount    *prometheus.CounterVec
	outboxDelivered  *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepReleased    prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers every collector on a private registry along with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		disputesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_opened_total",
			Help:      "Dispute cases opened, by priority.",
		}, []string{"priority"}),
		disputesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_resolved_total",
			Help:      "Dispute cases resolved, by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_settlements_total",
			Help:      "Escrow transactions settled, by final status and trigger.",
		}, []string{"status", "source"}),
		settledAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_settled_minor_units_total",
			Help:      "Gross amount settled out of escrow in minor units, by currency.",
		}, []string{"currency"}),
		outboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_messages_total",
			Help:      "Outbox messages handled by the relay, by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "release_sweep_duration_seconds",
			Help:      "Duration of auto-release sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_sweep_released_total",
			Help:      "Transactions released by the auto-release sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.disputesOpened,
		m.disputesResolved,
		m.settlements,
		m.settledAmount,
		m.outboxDelivered,
		m.sweepDuration,
		m.sweepReleased,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DisputeOpened(priority string) {
	if m == nil {
		return
	}
	m.disputesOpened.WithLabelValues(priority).Inc()
}

func (m *Metrics) DisputeResolved(outcome string) {
	if m == nil {
		return
	}
	m.disputesResolved.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EscrowSettled(status, source, currency string, amount int64) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(status, source).Inc()
	m.settledAmount.WithLabelValues(currency).Add(float64(amount))
}

func (m *Metrics) OutboxHandled(result string) {
	if m == nil {
		return
	}
	m.outboxDelivered.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration, released int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sweepReleased.Add(float64(released))
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
