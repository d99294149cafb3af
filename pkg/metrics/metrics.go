// Package metrics holds the Prometheus registry consumed by every other
// pipeline component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the CDC pipeline.
type Metrics struct {
	EgressSent          *prometheus.CounterVec
	ChangeStreamEvents  *prometheus.CounterVec
	CursorStoreErrors   *prometheus.CounterVec
	ProcessingDuration  *prometheus.HistogramVec
	InitialLoadDuration prometheus.Histogram
	BreakerState        *prometheus.GaugeVec
	SourceConnected     prometheus.Gauge
	LogConnected        prometheus.Gauge
}

// New creates and registers all pipeline metrics against reg. Passing a
// fresh *prometheus.Registry (rather than the global DefaultRegisterer)
// keeps repeated construction in tests collision-free.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EgressSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_egress_sent_total",
				Help: "Number of records submitted to the log broker, by delivery result.",
			},
			[]string{"result"},
		),
		ChangeStreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_change_stream_events_total",
				Help: "Number of change-feed events observed, by classification.",
			},
			[]string{"result"},
		),
		CursorStoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_cursor_store_errors_total",
				Help: "Number of resume-cursor store failures, by operation.",
			},
			[]string{"op"},
		),
		ProcessingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cdc_event_processing_duration_seconds",
				Help:    "Time taken to process a single change-feed event.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"component"},
		),
		InitialLoadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cdc_initial_load_duration_seconds",
				Help:    "Wall-clock duration of the bulk snapshot pass.",
				Buckets: prometheus.DefBuckets,
			},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cdc_breaker_state",
				Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open.",
			},
			[]string{"breaker"},
		),
		SourceConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cdc_source_connected",
				Help: "1 if the MongoDB source is connected, 0 otherwise.",
			},
		),
		LogConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cdc_log_connected",
				Help: "1 if the Kafka producer client is connected, 0 otherwise.",
			},
		),
	}
}

// RecordEgress records the outcome of a single delivery callback.
func (m *Metrics) RecordEgress(ok bool) {
	if ok {
		m.EgressSent.WithLabelValues("ok").Inc()
	} else {
		m.EgressSent.WithLabelValues("err").Inc()
	}
}

// RecordChangeEvent records a change-feed event's classification outcome.
func (m *Metrics) RecordChangeEvent(result string) {
	m.ChangeStreamEvents.WithLabelValues(result).Inc()
}

// RecordCursorStoreError counts a load/save fault.
func (m *Metrics) RecordCursorStoreError(op string) {
	m.CursorStoreErrors.WithLabelValues(op).Inc()
}

// RecordProcessingDuration observes how long a component step took.
func (m *Metrics) RecordProcessingDuration(component string, seconds float64) {
	m.ProcessingDuration.WithLabelValues(component).Observe(seconds)
}

// SetBreakerState publishes a breaker's numeric state for a named breaker.
func (m *Metrics) SetBreakerState(breaker string, state float64) {
	m.BreakerState.WithLabelValues(breaker).Set(state)
}

// SetSourceConnected sets the source connection gauge.
func (m *Metrics) SetSourceConnected(connected bool) {
	m.SourceConnected.Set(boolToFloat(connected))
}

// SetLogConnected sets the log client connection gauge.
func (m *Metrics) SetLogConnected(connected bool) {
	m.LogConnected.Set(boolToFloat(connected))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
