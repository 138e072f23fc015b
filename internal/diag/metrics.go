// Package diag exposes the agent's pipeline counters to a local
// Prometheus scrape, the first thing a technician checks on a device
// that stopped reporting.
package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the sampling pipeline.
// All methods are safe on a nil receiver so the agent runs without
// instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	cycles           prometheus.Counter
	sensorFailures   prometheus.Counter
	rejectedReadings prometheus.Counter
	enqueued         prometheus.Counter
	evictions        prometheus.Counter
	delivered        prometheus.Counter
	retriedAttempts  prometheus.Counter
	dropped          prometheus.Counter
	queueDepth       prometheus.Gauge
}

// New creates the pipeline metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_cycles_total",
			Help: "Sampling cycles started.",
		}),
		sensorFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_sensor_failures_total",
			Help: "Cycles abandoned because the sensors could not be read.",
		}),
		rejectedReadings: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_rejected_readings_total",
			Help: "Readings rejected during normalization.",
		}),
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_records_enqueued_total",
			Help: "Records accepted into the delivery queue.",
		}),
		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_queue_evictions_total",
			Help: "Records evicted from the full delivery queue.",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_records_delivered_total",
			Help: "Records confirmed by the backend.",
		}),
		retriedAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_retried_attempts_total",
			Help: "Delivery attempts that failed transiently.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "climate_agent_records_dropped_total",
			Help: "Records dropped after terminal delivery failures.",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "climate_agent_queue_depth",
			Help: "Records currently buffered for delivery.",
		}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncCycles() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

func (m *Metrics) IncSensorFailures() {
	if m == nil {
		return
	}
	m.sensorFailures.Inc()
}

func (m *Metrics) IncRejectedReadings() {
	if m == nil {
		return
	}
	m.rejectedReadings.Inc()
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.enqueued.Inc()
}

func (m *Metrics) AddEvictions(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

func (m *Metrics) IncRetriedAttempts() {
	if m == nil {
		return
	}
	m.retriedAttempts.Inc()
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
