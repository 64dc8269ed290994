package opensdg

// Metrics is the metrics collection interface. The prometheus subpackage
// provides an implementation.
//
// Implementations must be safe for concurrent use.
//
// Label values used by the library:
//   - result: a ResultCode identifier such as "OK" or "PeerUnreachable"
//   - role: "grid" or "peer"
//   - state: a ConnectionState name
type Metrics interface {
	// ConnectionCreated increments when a Connection handle is created.
	ConnectionCreated()

	// ConnectionDestroyed increments when a Connection handle is destroyed.
	ConnectionDestroyed()

	// StateTransition records a state change.
	StateTransition(from, to string)

	// HandshakeDuration records the duration of a successful handshake.
	HandshakeDuration(role string, seconds float64)

	// HandshakeResult records the outcome of a handshake.
	HandshakeResult(role, result string)

	// PeerRequest records the outcome of a connect-to-peer request.
	PeerRequest(result string)

	// PairingResult records the outcome of a pairing attempt.
	PairingResult(result string)

	// MessageSent records an application frame being sent.
	MessageSent(bytes int)

	// MessageReceived records an application frame being received.
	MessageReceived(bytes int)

	// PingSent increments for every keepalive ping.
	PingSent()

	// KeepaliveTimeout increments when a peer stops answering pings.
	KeepaliveTimeout()

	// DecryptionError records a frame that failed authentication.
	DecryptionError()

	// EventEmitted records a state event being emitted.
	EventEmitted(state string)

	// EventDropped records an event dropped because the buffer was full.
	EventDropped()
}

// NopMetrics discards all metrics. It is the default.
type NopMetrics struct{}

var _ Metrics = NopMetrics{}

// ConnectionCreated implements Metrics.ConnectionCreated (no-op).
func (NopMetrics) ConnectionCreated() {}

// ConnectionDestroyed implements Metrics.ConnectionDestroyed (no-op).
func (NopMetrics) ConnectionDestroyed() {}

// StateTransition implements Metrics.StateTransition (no-op).
func (NopMetrics) StateTransition(from, to string) {}

// HandshakeDuration implements Metrics.HandshakeDuration (no-op).
func (NopMetrics) HandshakeDuration(role string, seconds float64) {}

// HandshakeResult implements Metrics.HandshakeResult (no-op).
func (NopMetrics) HandshakeResult(role, result string) {}

// PeerRequest implements Metrics.PeerRequest (no-op).
func (NopMetrics) PeerRequest(result string) {}

// PairingResult implements Metrics.PairingResult (no-op).
func (NopMetrics) PairingResult(result string) {}

// MessageSent implements Metrics.MessageSent (no-op).
func (NopMetrics) MessageSent(bytes int) {}

// MessageReceived implements Metrics.MessageReceived (no-op).
func (NopMetrics) MessageReceived(bytes int) {}

// PingSent implements Metrics.PingSent (no-op).
func (NopMetrics) PingSent() {}

// KeepaliveTimeout implements Metrics.KeepaliveTimeout (no-op).
func (NopMetrics) KeepaliveTimeout() {}

// DecryptionError implements Metrics.DecryptionError (no-op).
func (NopMetrics) DecryptionError() {}

// EventEmitted implements Metrics.EventEmitted (no-op).
func (NopMetrics) EventEmitted(state string) {}

// EventDropped implements Metrics.EventDropped (no-op).
func (NopMetrics) EventDropped() {}
