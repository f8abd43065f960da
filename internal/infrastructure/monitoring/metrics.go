// Package monitoring provides Prometheus metrics for the artifact host.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons for handshake messages that never reach the state machine.
const (
	DropWrongSender  = "wrong_sender"
	DropStaleToken   = "stale_token"
	DropRateLimited  = "rate_limited"
	DropTerminal     = "terminal_state"
	DropBackpressure = "backpressure"
)

// Metrics holds all Prometheus metrics for the artifact host.
type Metrics struct {
	// Load attempt metrics
	LoadsStarted      prometheus.Counter
	HandshakeOutcomes *prometheus.CounterVec // outcome: ready, watchdog_timeout, invalid_message, sandbox_crashed, superseded
	HandshakeLatency  prometheus.Histogram

	// Message metrics
	MessagesAccepted prometheus.Counter
	MessagesDropped  *prometheus.CounterVec // reason label

	// Viewer metrics
	ViewersActive prometheus.Gauge
	Retries       prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// New creates a metrics collector registered on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		LoadsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "artifacthost_loads_started_total",
			Help: "Total number of load attempts created",
		}),
		HandshakeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifacthost_handshake_outcomes_total",
				Help: "Load attempt outcomes by result",
			},
			[]string{"outcome"},
		),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "artifacthost_handshake_latency_seconds",
			Help:    "Time from load attempt creation to readiness",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 4},
		}),
		MessagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "artifacthost_messages_accepted_total",
			Help: "Handshake messages accepted for processing",
		}),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifacthost_messages_dropped_total",
				Help: "Handshake messages dropped before processing",
			},
			[]string{"reason"},
		),
		ViewersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "artifacthost_viewers_active",
			Help: "Number of live viewer instances",
		}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "artifacthost_retries_total",
			Help: "Retry requests that produced a new load attempt",
		}),
		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "artifacthost_uptime_seconds",
			Help: "Process uptime in seconds",
		}),
	}
}

// RecordLoadStarted increments the load attempt counter.
func (m *Metrics) RecordLoadStarted() {
	if m == nil {
		return
	}
	m.LoadsStarted.Inc()
}

// RecordOutcome records a terminal (or superseded) attempt outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.HandshakeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordReady records a successful handshake and its latency.
func (m *Metrics) RecordReady(latency time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeOutcomes.WithLabelValues("ready").Inc()
	m.HandshakeLatency.Observe(latency.Seconds())
}

// RecordMessageAccepted increments the accepted message counter.
func (m *Metrics) RecordMessageAccepted() {
	if m == nil {
		return
	}
	m.MessagesAccepted.Inc()
}

// RecordMessageDropped increments the drop counter for a reason.
func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordRetry increments the retry counter.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// ViewerOpened increments the active viewer gauge.
func (m *Metrics) ViewerOpened() {
	if m == nil {
		return
	}
	m.ViewersActive.Inc()
}

// ViewerClosed decrements the active viewer gauge.
func (m *Metrics) ViewerClosed() {
	if m == nil {
		return
	}
	m.ViewersActive.Dec()
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
