// Package busmetrics provides Prometheus instrumentation for busconn and
// ioloop: a plain struct of collectors, nil-receiver-safe Record* methods,
// and a constructor that registers everything against a caller-supplied
// registerer.
package busmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks connection and dispatcher Prometheus metrics.
//
// All metrics use the "buslink_" prefix. Every Record*/Set* method
// handles a nil receiver gracefully, so a nil *Metrics acts as a no-op —
// callers that don't want instrumentation can simply pass nil wherever a
// *Metrics is accepted.
type Metrics struct {
	// MessagesSent counts outbound messages by type
	// (call, return, error, signal).
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts inbound messages by type.
	MessagesReceived *prometheus.CounterVec

	// PendingReplies tracks the current number of outstanding
	// PendingReply objects across all connections.
	PendingReplies prometheus.Gauge

	// ReplyLatency tracks the time between Send and reply delivery.
	ReplyLatency prometheus.Histogram

	// ReplyTimeouts counts PendingReply completions caused by a timeout
	// firing rather than a reply arriving.
	ReplyTimeouts prometheus.Counter

	// ConnectionsActive tracks the current number of Connected
	// connections (client, server, and secondary combined).
	ConnectionsActive prometheus.Gauge

	// ConnectionFailures counts Connection teardowns by cause, e.g.
	// "local_disconnect", "remote_disconnect", "auth_failed".
	ConnectionFailures *prometheus.CounterVec

	// PollerWakeups counts Dispatcher.Poll returns, partitioned by
	// whether the wakeup was an interrupt or an I/O readiness event.
	PollerWakeups *prometheus.CounterVec
}

// New creates and registers buslink Prometheus metrics against reg. If reg
// is nil, prometheus.DefaultRegisterer is used.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buslink_messages_sent_total",
				Help: "Total messages written to a transport, by message type",
			},
			[]string{"type"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buslink_messages_received_total",
				Help: "Total messages parsed off a transport, by message type",
			},
			[]string{"type"},
		),
		PendingReplies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "buslink_pending_replies",
				Help: "Current number of outstanding PendingReply objects",
			},
		),
		ReplyLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "buslink_reply_latency_seconds",
				Help:    "Time between Send and a reply being delivered",
				Buckets: prometheus.DefBuckets,
			},
		),
		ReplyTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "buslink_reply_timeouts_total",
				Help: "Total PendingReply completions caused by timeout",
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "buslink_connections_active",
				Help: "Current number of Connected connections",
			},
		),
		ConnectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buslink_connection_failures_total",
				Help: "Total connection teardowns, by cause",
			},
			[]string{"cause"},
		),
		PollerWakeups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buslink_poller_wakeups_total",
				Help: "Total Dispatcher.Poll returns, by wakeup kind",
			},
			[]string{"kind"}, // "io", "interrupt"
		),
	}

	reg.MustRegister(
		m.MessagesSent,
		m.MessagesReceived,
		m.PendingReplies,
		m.ReplyLatency,
		m.ReplyTimeouts,
		m.ConnectionsActive,
		m.ConnectionFailures,
		m.PollerWakeups,
	)

	return m
}

// RecordSend records one outbound message of the given type.
func (m *Metrics) RecordSend(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordReceive records one inbound message of the given type.
func (m *Metrics) RecordReceive(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// IncPendingReplies increments the outstanding-PendingReply gauge.
func (m *Metrics) IncPendingReplies() {
	if m == nil {
		return
	}
	m.PendingReplies.Inc()
}

// DecPendingReplies decrements the outstanding-PendingReply gauge and, if
// this completion was a reply (not a timeout), observes its latency.
func (m *Metrics) DecPendingReplies(latencySeconds float64, timedOut bool) {
	if m == nil {
		return
	}
	m.PendingReplies.Dec()
	if timedOut {
		m.ReplyTimeouts.Inc()
		return
	}
	m.ReplyLatency.Observe(latencySeconds)
}

// RecordConnect increments the active-connections gauge.
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// RecordDisconnect decrements the active-connections gauge and records the
// teardown cause.
func (m *Metrics) RecordDisconnect(cause string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionFailures.WithLabelValues(cause).Inc()
}

// RecordPollerWakeup records one Dispatcher.Poll return.
func (m *Metrics) RecordPollerWakeup(interrupted bool) {
	if m == nil {
		return
	}
	kind := "io"
	if interrupted {
		kind = "interrupt"
	}
	m.PollerWakeups.WithLabelValues(kind).Inc()
}
