// Package metrics defines the Prometheus collectors exported by parley.
//
// All recording methods are safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "parley"

// Metrics holds every collector used by the pipeline.
type Metrics struct {
	poolInUse       *prometheus.GaugeVec
	poolHealthy     *prometheus.GaugeVec
	poolExhausted   *prometheus.CounterVec
	poolQuarantines *prometheus.CounterVec
	sttSessions     prometheus.Gauge
	utterances      prometheus.Counter
	gateDecisions   *prometheus.CounterVec
	tickets         *prometheus.CounterVec
	synthJobs       *prometheus.CounterVec
	synthLatency    prometheus.Histogram
	playback        *prometheus.CounterVec
	mirrorDropped   prometheus.Counter
}

// New creates the collectors and registers them with reg.
// A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		poolInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "in_use",
			Help:      "Outstanding reservations per credential and capability.",
		}, []string{"credential", "capability"}),
		poolHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "credential_healthy",
			Help:      "1 when the credential accepts acquisitions, 0 while quarantined.",
		}, []string{"credential"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Acquisitions refused because no healthy credential had capacity.",
		}, []string{"capability"}),
		poolQuarantines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "quarantines_total",
			Help:      "Times a credential was quarantined after repeated errors.",
		}, []string{"credential"}),
		sttSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transcription",
			Name:      "sessions",
			Help:      "Active transcription sessions across all conversations.",
		}),
		utterances: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Completed utterances flushed by the aggregator.",
		}),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Intent gate decisions by source and outcome.",
		}, []string{"source", "respond"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_total",
			Help:      "Response tickets by final outcome.",
		}, []string{"outcome"}),
		synthJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "jobs_total",
			Help:      "Synthesis jobs by outcome.",
		}, []string{"outcome"}),
		synthLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "synthesis",
			Name:      "latency_seconds",
			Help:      "Time from sentence dispatch to synthesized audio.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5},
		}),
		playback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playback",
			Name:      "buffers_total",
			Help:      "Audio buffers handled by the player by outcome.",
		}, []string{"outcome"}),
		mirrorDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mirror",
			Name:      "dropped_total",
			Help:      "Text mirror notifications dropped by the throttle.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.poolInUse, m.poolHealthy, m.poolExhausted, m.poolQuarantines,
			m.sttSessions, m.utterances, m.gateDecisions, m.tickets,
			m.synthJobs, m.synthLatency, m.playback, m.mirrorDropped,
		)
	}
	return m
}

// PoolInUse sets the outstanding reservation count for a credential.
func (m *Metrics) PoolInUse(credential, capability string, n int) {
	if m == nil {
		return
	}
	m.poolInUse.WithLabelValues(credential, capability).Set(float64(n))
}

// PoolHealthy records whether a credential is eligible for acquisition.
func (m *Metrics) PoolHealthy(credential string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.poolHealthy.WithLabelValues(credential).Set(v)
}

// PoolExhausted counts a refused acquisition.
func (m *Metrics) PoolExhausted(capability string) {
	if m == nil {
		return
	}
	m.poolExhausted.WithLabelValues(capability).Inc()
}

// PoolQuarantined counts a quarantine transition.
func (m *Metrics) PoolQuarantined(credential string) {
	if m == nil {
		return
	}
	m.poolQuarantines.WithLabelValues(credential).Inc()
}

// TranscriptionSessions adjusts the active session gauge by delta.
func (m *Metrics) TranscriptionSessions(delta int) {
	if m == nil {
		return
	}
	m.sttSessions.Add(float64(delta))
}

// Utterance counts a flushed utterance.
func (m *Metrics) Utterance() {
	if m == nil {
		return
	}
	m.utterances.Inc()
}

// GateDecision counts an intent gate decision.
func (m *Metrics) GateDecision(source string, respond bool) {
	if m == nil {
		return
	}
	r := "false"
	if respond {
		r = "true"
	}
	m.gateDecisions.WithLabelValues(source, r).Inc()
}

// Ticket counts a finished response ticket.
func (m *Metrics) Ticket(outcome string) {
	if m == nil {
		return
	}
	m.tickets.WithLabelValues(outcome).Inc()
}

// SynthesisJob counts a finished synthesis job.
func (m *Metrics) SynthesisJob(outcome string) {
	if m == nil {
		return
	}
	m.synthJobs.WithLabelValues(outcome).Inc()
}

// SynthesisLatency observes dispatch-to-audio latency.
func (m *Metrics) SynthesisLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.synthLatency.Observe(d.Seconds())
}

// Playback counts a buffer leaving the player.
func (m *Metrics) Playback(outcome string) {
	if m == nil {
		return
	}
	m.playback.WithLabelValues(outcome).Inc()
}

// MirrorDropped counts a throttled mirror notification.
func (m *Metrics) MirrorDropped() {
	if m == nil {
		return
	}
	m.mirrorDropped.Inc()
}
