// Package metrics exposes Prometheus instrumentation for the sync engine and
// the agent. Every Record method is safe to call on a nil *Metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "edgeclaw_sync"

// Metrics holds all collectors.
type Metrics struct {
	// Connection
	ConnectionState   prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	Reconnects        prometheus.Counter
	Disconnects       *prometheus.CounterVec
	HandshakeLatency  prometheus.Histogram
	HandshakeErrors   *prometheus.CounterVec
	HeartbeatsSent    prometheus.Counter
	HeartbeatsRecv    prometheus.Counter
	DiscoveryResolves *prometheus.CounterVec

	// Wire
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	// Messages
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	// Sessions
	SessionsActive prometheus.Gauge
	DecryptErrors  *prometheus.CounterVec

	// Agent
	ExecRequests *prometheus.CounterVec
	ExecLatency  prometheus.Histogram
	StatusPushes prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide instance registered with the default
// Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry registers every collector with reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected .. 5 error)",
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by transport and result",
		}, []string{"transport", "result"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic reconnection attempts",
		}),
		Disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Disconnects by reason",
		}, []string{"reason"}),
		HandshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from handshake send to acknowledgement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		HandshakeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Failed handshakes by reason",
		}, []string{"reason"}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeat frames written",
		}),
		HeartbeatsRecv: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Heartbeat frames read",
		}),
		DiscoveryResolves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_resolves_total",
			Help:      "Transport selector outcomes by mode",
		}, []string{"mode"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written by type",
		}, []string{"type"}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames read by type",
		}, []string{"type"}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written including headers",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read including headers",
		}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Application messages sent by kind",
		}, []string{"kind"}),
		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Application messages received by kind",
		}, []string{"kind"}),
		MessagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound data frames dropped by reason",
		}, []string{"reason"}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Established sessions",
		}),
		DecryptErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_errors_total",
			Help:      "Session decrypt failures by reason",
		}, []string{"reason"}),
		ExecRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exec_requests_total",
			Help:      "Remote exec requests handled by the agent by outcome",
		}, []string{"outcome"}),
		ExecLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exec_duration_seconds",
			Help:      "Remote command run time",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		StatusPushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_pushes_total",
			Help:      "Status messages pushed by the agent",
		}),
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) RecordConnectAttempt(transport string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ConnectAttempts.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

func (m *Metrics) RecordDisconnect(reason string) {
	if m == nil {
		return
	}
	m.Disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

func (m *Metrics) RecordHandshakeError(reason string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordHeartbeatSent() {
	if m == nil {
		return
	}
	m.HeartbeatsSent.Inc()
}

func (m *Metrics) RecordHeartbeatRecv() {
	if m == nil {
		return
	}
	m.HeartbeatsRecv.Inc()
}

func (m *Metrics) RecordDiscovery(mode string) {
	if m == nil {
		return
	}
	m.DiscoveryResolves.WithLabelValues(mode).Inc()
}

// RecordFrameSent counts a frame and its size on the wire.
func (m *Metrics) RecordFrameSent(frameType string, size int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
	m.BytesSent.Add(float64(size))
}

// RecordFrameReceived counts a frame and its size on the wire.
func (m *Metrics) RecordFrameReceived(frameType string, size int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(frameType).Inc()
	m.BytesReceived.Add(float64(size))
}

func (m *Metrics) RecordMessageSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) RecordDecryptError(reason string) {
	if m == nil {
		return
	}
	m.DecryptErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordExec(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ExecRequests.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.ExecLatency.Observe(seconds)
	}
}

func (m *Metrics) RecordStatusPush() {
	if m == nil {
		return
	}
	m.StatusPushes.Inc()
}
