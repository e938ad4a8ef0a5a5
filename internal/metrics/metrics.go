package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mysql_sink"

// Sink holds the prometheus collectors for statement submission and
// completion. All methods are safe on a nil receiver so components can run
// without metrics.
type Sink struct {
	submitted         *prometheus.CounterVec
	succeeded         *prometheus.CounterVec
	failed            *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	retries           prometheus.Counter
	noops             prometheus.Counter
	translationErrors prometheus.Counter
	failuresDropped   prometheus.Counter
	queueDepth        prometheus.Gauge
	inFlight          prometheus.Gauge
}

// New creates the sink collectors and registers them with reg
func New(reg prometheus.Registerer) *Sink {
	m := &Sink{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_submitted_total",
			Help:      "Statements handed to the sink",
		}, []string{"kind"}),
		succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_succeeded_total",
			Help:      "Statements applied to the target",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statements_failed_total",
			Help:      "Statements that failed on the target after retries",
		}, []string{"kind", "cause"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "statement_duration_seconds",
			Help:      "Time from submission to completion, retries included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statement_retries_total",
			Help:      "Retried statement attempts",
		}),
		noops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "noop_events_total",
			Help:      "Update events with no effective change",
		}),
		translationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_errors_total",
			Help:      "Events rejected as contract violations",
		}),
		failuresDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_dropped_total",
			Help:      "Failure reports dropped because the failure stream was full",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Statements queued and not yet started",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Statements currently executing",
		}),
	}

	reg.MustRegister(
		m.submitted,
		m.succeeded,
		m.failed,
		m.duration,
		m.retries,
		m.noops,
		m.translationErrors,
		m.failuresDropped,
		m.queueDepth,
		m.inFlight,
	)

	return m
}

func (m *Sink) Submitted(kind string) {
	if m == nil {
		return
	}
	m.submitted.WithLabelValues(kind).Inc()
	m.queueDepth.Inc()
}

// Started moves a statement from queued to in flight
func (m *Sink) Started() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
	m.inFlight.Inc()
}

func (m *Sink) Succeeded(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.succeeded.WithLabelValues(kind).Inc()
	m.duration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Sink) Failed(kind, cause string, took time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.failed.WithLabelValues(kind, cause).Inc()
	m.duration.WithLabelValues(kind).Observe(took.Seconds())
}

// Abandoned accounts for a queued statement discarded by a forced shutdown
func (m *Sink) Abandoned(kind string) {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
	m.failed.WithLabelValues(kind, "abandoned").Inc()
}

func (m *Sink) Retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Sink) NoOp() {
	if m == nil {
		return
	}
	m.noops.Inc()
}

func (m *Sink) TranslationFailed() {
	if m == nil {
		return
	}
	m.translationErrors.Inc()
}

func (m *Sink) FailureDropped() {
	if m == nil {
		return
	}
	m.failuresDropped.Inc()
}
