// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "roombot"

// Metrics holds the collectors recorded by a bot session.
// All Record methods are safe to call on a nil *Metrics.
type Metrics struct {
	syncRequests   *prometheus.CounterVec
	syncDuration   prometheus.Histogram
	loopErrors     *prometheus.CounterVec
	events         *prometheus.CounterVec
	dedupSize      prometheus.Gauge
	messagesSent   *prometheus.CounterVec
	invitesJoined  *prometheus.CounterVec
	cursorAdvances prometheus.Counter
	running        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_requests_total",
			Help:      "Total /sync long-poll requests by status.",
		}, []string{"status"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of /sync long-poll requests.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 20, 30, 45, 60},
		}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Errors contained by the sync loop, by error kind.",
		}, []string{"kind"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Timeline events seen by the event filter, by outcome.",
		}, []string{"outcome"}),
		dedupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_window_size",
			Help:      "Number of event IDs currently held in the dedup window.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound text messages by status.",
		}, []string{"status"}),
		invitesJoined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invites_joined_total",
			Help:      "Auto-join attempts for pending invites by status.",
		}, []string{"status"}),
		cursorAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cursor_advances_total",
			Help:      "Number of times the sync cursor moved forward.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_running",
			Help:      "1 while the sync loop is running.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.syncRequests,
			m.syncDuration,
			m.loopErrors,
			m.events,
			m.dedupSize,
			m.messagesSent,
			m.invitesJoined,
			m.cursorAdvances,
			m.running,
		)
	}
	return m
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordSync records one long-poll round trip.
func (m *Metrics) RecordSync(seconds float64, err error) {
	if m == nil {
		return
	}
	m.syncRequests.WithLabelValues(statusLabel(err)).Inc()
	m.syncDuration.Observe(seconds)
}

// RecordLoopError counts an error contained by the loop.
func (m *Metrics) RecordLoopError(kind string) {
	if m == nil {
		return
	}
	m.loopErrors.WithLabelValues(kind).Inc()
}

// RecordEvent counts a filter decision such as "dispatched" or "duplicate".
func (m *Metrics) RecordEvent(outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetDedupSize(n int) {
	if m == nil {
		return
	}
	m.dedupSize.Set(float64(n))
}

func (m *Metrics) RecordSend(err error) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(statusLabel(err)).Inc()
}

func (m *Metrics) RecordInviteJoin(err error) {
	if m == nil {
		return
	}
	m.invitesJoined.WithLabelValues(statusLabel(err)).Inc()
}

func (m *Metrics) RecordCursorAdvance() {
	if m == nil {
		return
	}
	m.cursorAdvances.Inc()
}

// SetRunning flips the session_running gauge.
func (m *Metrics) SetRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}
