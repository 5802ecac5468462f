// Package metrics provides Prometheus collectors for meeting sessions.
//
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meetingscribe"

// Outcome labels for finalizations.
const (
	OutcomeOK                = "ok"
	OutcomeSummarizerFailure = "summarizer_error"
	OutcomeStoreFailure      = "store_error"
)

type Metrics struct {
	meetingsActive    prometheus.Gauge
	connectionsActive prometheus.Gauge
	dialogueTotal     prometheus.Counter
	eventsQueued      *prometheus.CounterVec
	deliveryFailures  prometheus.Counter
	finalizations     *prometheus.CounterVec
	summarizeDuration prometheus.Histogram
	purgedTotal       prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		meetingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "meetings_active",
			Help:      "Meetings currently held in the session directory",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Participant connections currently admitted",
		}),
		dialogueTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_entries_total",
			Help:      "Transcript entries accepted",
		}),
		// Labels:
		//   - event: join_meeting, transcript_entry, end_meeting, done_processing, error
		eventsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_queued_total",
			Help:      "Events queued for delivery to a connection",
		}, []string{"event"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Deliveries abandoned because the connection was closed or saturated",
		}),
		// Labels:
		//   - outcome: ok, summarizer_error, store_error
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Meetings finalized, by outcome",
		}, []string{"outcome"}),
		summarizeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summarize_duration_seconds",
			Help:      "Time spent in the summarizer per meeting",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		purgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_records_total",
			Help:      "Stored meetings removed by retention",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.meetingsActive,
			m.connectionsActive,
			m.dialogueTotal,
			m.eventsQueued,
			m.deliveryFailures,
			m.finalizations,
			m.summarizeDuration,
			m.purgedTotal,
		)
	}
	return m
}

func (m *Metrics) MeetingStarted() {
	if m == nil {
		return
	}
	m.meetingsActive.Inc()
}

// MeetingFinished records a session leaving the directory.
func (m *Metrics) MeetingFinished(outcome string) {
	if m == nil {
		return
	}
	m.meetingsActive.Dec()
	m.finalizations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) DialogueAccepted() {
	if m == nil {
		return
	}
	m.dialogueTotal.Inc()
}

func (m *Metrics) EventQueued(event string) {
	if m == nil {
		return
	}
	m.eventsQueued.WithLabelValues(event).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) ObserveSummarize(d time.Duration) {
	if m == nil {
		return
	}
	m.summarizeDuration.Observe(d.Seconds())
}

func (m *Metrics) Purged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedTotal.Add(float64(n))
}
