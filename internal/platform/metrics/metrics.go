package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label on pulse_events_dropped_total.
const (
	DropNoConsent     = "no_consent"
	DropQueueFull     = "queue_full"
	DropDelivery      = "delivery_failed"
	DropRevoked       = "consent_revoked"
	DropCircuitOpen   = "circuit_open"
	DropUnloadRefused = "unload_refused"
)

// Metrics holds the SDK's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	EventsEnqueued  prometheus.Counter
	EventsPending   prometheus.Gauge
	EventsDropped   *prometheus.CounterVec
	EventsDelivered prometheus.Counter
	ChunksFailed    *prometheus.CounterVec
	DeliveryRetries prometheus.Counter
	FlushDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	CircuitState    prometheus.Gauge
}

// New registers the collectors on reg. A nil registerer creates unregistered
// collectors, which keeps tests free of duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_events_enqueued_total",
			Help: "Total number of events accepted into the delivery queue",
		}),
		EventsPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_events_pending_consent",
			Help: "Current number of events parked until consent is granted",
		}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_events_dropped_total",
			Help: "Total number of events dropped before delivery, by reason",
		}, []string{"reason"}),
		EventsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_events_delivered_total",
			Help: "Total number of events acknowledged by the collector",
		}),
		ChunksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_chunks_failed_total",
			Help: "Total number of chunks abandoned after delivery failure, by failure kind",
		}, []string{"kind"}),
		DeliveryRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "pulse_delivery_retries_total",
			Help: "Total number of retried delivery attempts",
		}),
		FlushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulse_flush_duration_seconds",
			Help:    "Latency of a full flush across all chunks",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_queue_depth",
			Help: "Current number of events waiting in the delivery queue",
		}),
		CircuitState: f.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_delivery_circuit_state",
			Help: "Delivery circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) IncEnqueued() {
	if m == nil {
		return
	}
	m.EventsEnqueued.Inc()
}

func (m *Metrics) AddDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) AddDelivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDelivered.Add(float64(n))
}

func (m *Metrics) IncChunkFailed(kind string) {
	if m == nil {
		return
	}
	m.ChunksFailed.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.DeliveryRetries.Inc()
}

func (m *Metrics) ObserveFlush(seconds float64) {
	if m == nil {
		return
	}
	m.FlushDuration.Observe(seconds)
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.EventsPending.Set(float64(n))
}

// SetCircuitOpen sets the circuit breaker state gauge.
func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitState.Set(1)
	} else {
		m.CircuitState.Set(0)
	}
}
