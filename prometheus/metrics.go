// Package prometheus provides a Prometheus implementation of the
// opensdg.Metrics interface.
//
// # Metric Names
//
// All metrics use the configured namespace prefix (default: "opensdg"):
//
//	opensdg_connections_created_total
//	opensdg_connections_destroyed_total
//	opensdg_connections_active
//	opensdg_state_transitions_total{from="<state>",to="<state>"}
//	opensdg_handshake_results_total{role="grid|peer",result="<result>"}
//	opensdg_handshake_duration_seconds{role="grid|peer"}
//	opensdg_peer_requests_total{result="<result>"}
//	opensdg_pairing_results_total{result="<result>"}
//	opensdg_messages_sent_total
//	opensdg_messages_received_total
//	opensdg_bytes_sent_total
//	opensdg_bytes_received_total
//	opensdg_pings_sent_total
//	opensdg_keepalive_timeouts_total
//	opensdg_decryption_errors_total
//	opensdg_events_emitted_total{state="<state>"}
//	opensdg_events_dropped_total
//
// # Example Usage
//
//	metrics := prommetrics.NewMetrics("myapp")
//	node, err := opensdg.Init(opensdg.NewConfig(
//	    opensdg.WithPrivateKey(key),
//	    opensdg.WithMetrics(metrics),
//	))
//
//	http.Handle("/metrics", promhttp.Handler())
package prometheus

import (
	"github.com/andersop91/opensdg"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is the default namespace for all metrics.
const DefaultNamespace = "opensdg"

// Metrics implements opensdg.Metrics using Prometheus collectors.
//
// Metrics is safe for concurrent use.
type Metrics struct {
	// Connection metrics
	connectionsCreated   prometheus.Counter
	connectionsDestroyed prometheus.Counter
	connectionsActive    prometheus.Gauge
	transitions          *prometheus.CounterVec

	// Handshake and grid request metrics
	handshakeResults  *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	peerRequests      *prometheus.CounterVec
	pairingResults    *prometheus.CounterVec

	// Traffic metrics
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	pingsSent         prometheus.Counter
	keepaliveTimeouts prometheus.Counter
	decryptionErrors  prometheus.Counter

	// Event metrics
	eventsEmitted *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

var _ opensdg.Metrics = (*Metrics)(nil)

// NewMetrics creates a collector registered with the default Prometheus
// registry. It panics if the metrics are already registered; use
// NewMetricsWithRegisterer with a custom registry to avoid that.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates a collector registered with registerer.
// An empty namespace uses DefaultNamespace; a nil registerer skips
// registration.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		connectionsCreated:   counter("connections_created_total", "Total number of connection handles created"),
		connectionsDestroyed: counter("connections_destroyed_total", "Total number of connection handles destroyed"),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Current number of live connection handles",
		}),
		transitions: counterVec("state_transitions_total", "Total number of state transitions", "from", "to"),

		handshakeResults: counterVec("handshake_results_total", "Total number of handshakes by role and outcome", "role", "result"),
		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Histogram of successful handshake durations",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"role"},
		),
		peerRequests:   counterVec("peer_requests_total", "Total number of connect-to-peer replies by outcome", "result"),
		pairingResults: counterVec("pairing_results_total", "Total number of pairing attempts by outcome", "result"),

		messagesSent:      counter("messages_sent_total", "Total number of data frames sent"),
		messagesReceived:  counter("messages_received_total", "Total number of data frames received"),
		bytesSent:         counter("bytes_sent_total", "Total application bytes sent"),
		bytesReceived:     counter("bytes_received_total", "Total application bytes received"),
		pingsSent:         counter("pings_sent_total", "Total number of keepalive pings sent"),
		keepaliveTimeouts: counter("keepalive_timeouts_total", "Total number of keepalive timeouts"),
		decryptionErrors:  counter("decryption_errors_total", "Total number of frames that failed authentication"),

		eventsEmitted: counterVec("events_emitted_total", "Total number of events emitted by state", "state"),
		eventsDropped: counter("events_dropped_total", "Total number of events dropped due to buffer full"),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.connectionsCreated,
			m.connectionsDestroyed,
			m.connectionsActive,
			m.transitions,
			m.handshakeResults,
			m.handshakeDuration,
			m.peerRequests,
			m.pairingResults,
			m.messagesSent,
			m.messagesReceived,
			m.bytesSent,
			m.bytesReceived,
			m.pingsSent,
			m.keepaliveTimeouts,
			m.decryptionErrors,
			m.eventsEmitted,
			m.eventsDropped,
		)
	}

	return m
}

// ConnectionCreated implements opensdg.Metrics.
func (m *Metrics) ConnectionCreated() {
	m.connectionsCreated.Inc()
	m.connectionsActive.Inc()
}

// ConnectionDestroyed implements opensdg.Metrics.
func (m *Metrics) ConnectionDestroyed() {
	m.connectionsDestroyed.Inc()
	m.connectionsActive.Dec()
}

// StateTransition implements opensdg.Metrics.
func (m *Metrics) StateTransition(from, to string) {
	m.transitions.WithLabelValues(from, to).Inc()
}

// HandshakeDuration implements opensdg.Metrics.
func (m *Metrics) HandshakeDuration(role string, seconds float64) {
	m.handshakeDuration.WithLabelValues(role).Observe(seconds)
}

// HandshakeResult implements opensdg.Metrics.
func (m *Metrics) HandshakeResult(role, result string) {
	m.handshakeResults.WithLabelValues(role, result).Inc()
}

// PeerRequest implements opensdg.Metrics.
func (m *Metrics) PeerRequest(result string) {
	m.peerRequests.WithLabelValues(result).Inc()
}

// PairingResult implements opensdg.Metrics.
func (m *Metrics) PairingResult(result string) {
	m.pairingResults.WithLabelValues(result).Inc()
}

// MessageSent implements opensdg.Metrics.
func (m *Metrics) MessageSent(bytes int) {
	m.messagesSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

// MessageReceived implements opensdg.Metrics.
func (m *Metrics) MessageReceived(bytes int) {
	m.messagesReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

// PingSent implements opensdg.Metrics.
func (m *Metrics) PingSent() {
	m.pingsSent.Inc()
}

// KeepaliveTimeout implements opensdg.Metrics.
func (m *Metrics) KeepaliveTimeout() {
	m.keepaliveTimeouts.Inc()
}

// DecryptionError implements opensdg.Metrics.
func (m *Metrics) DecryptionError() {
	m.decryptionErrors.Inc()
}

// EventEmitted implements opensdg.Metrics.
func (m *Metrics) EventEmitted(state string) {
	m.eventsEmitted.WithLabelValues(state).Inc()
}

// EventDropped implements opensdg.Metrics.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}
