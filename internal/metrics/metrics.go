// Package metrics holds the prometheus collectors of the sync layer and the
// web surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tourcal"

// Metrics groups every collector. Each instance owns its registry so tests
// can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	FetchTotal      *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	StaleDiscarded  *prometheus.CounterVec
	Invalidations   *prometheus.CounterVec
	PollSkipped     prometheus.Counter
	MutationTotal   *prometheus.CounterVec
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Subscribers     prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "fetch_total",
				Help:      "Collection fetches by outcome (applied, discarded, error)",
			},
			[]string{"collection", "outcome"},
		),
		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "fetch_duration_seconds",
				Help:      "Duration of collection fetches",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"collection"},
		),
		StaleDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "stale_discarded_total",
				Help:      "Fetch results dropped because a newer generation superseded them",
			},
			[]string{"collection", "reason"},
		),
		Invalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "invalidations_total",
				Help:      "Collection invalidations",
			},
			[]string{"collection"},
		),
		PollSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "poll_skipped_total",
				Help:      "Poll ticks skipped because the previous poll was still running",
			},
		),
		MutationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "mutations_total",
				Help:      "Dashboard commands by outcome kind",
			},
			[]string{"command", "result"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "subscribers",
				Help:      "Open change subscriptions",
			},
		),
	}

	m.registry.MustRegister(
		m.FetchTotal,
		m.FetchDuration,
		m.StaleDiscarded,
		m.Invalidations,
		m.PollSkipped,
		m.MutationTotal,
		m.RequestCount,
		m.RequestDuration,
		m.Subscribers,
	)
	return m
}

// ObserveFetch records one finished fetch.
func (m *Metrics) ObserveFetch(collection, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(collection, outcome).Inc()
	m.FetchDuration.WithLabelValues(collection).Observe(d.Seconds())
}

func (m *Metrics) Discarded(collection, reason string) {
	if m == nil {
		return
	}
	m.StaleDiscarded.WithLabelValues(collection, reason).Inc()
}

func (m *Metrics) Invalidated(collection string) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(collection).Inc()
}

func (m *Metrics) PollSkip() {
	if m == nil {
		return
	}
	m.PollSkipped.Inc()
}

func (m *Metrics) Mutation(command, result string) {
	if m == nil {
		return
	}
	m.MutationTotal.WithLabelValues(command, result).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SubscriberDelta(delta float64) {
	if m == nil {
		return
	}
	m.Subscribers.Add(delta)
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
