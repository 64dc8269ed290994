package opensdg

import (
	"fmt"
	"time"

	"github.com/andersop91/opensdg/internal/pool"
	"github.com/andersop91/opensdg/pkg/connection"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/transport"
	"github.com/andersop91/opensdg/pkg/trust"
	"github.com/benbjohnson/clock"
	"github.com/multiformats/go-multiaddr"
)

// Default configuration values.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultRequestTimeout    = 15 * time.Second
	DefaultMaxMissedPings    = connection.DefaultMaxMissedPings
	DefaultBufferSize        = pool.ReceiveBufferSize
	DefaultMessageBufferSize = 64
	DefaultEventBufferSize   = 16
)

// DefaultGridServers lists the public Danfoss grid servers, tried in order.
var DefaultGridServers = []string{
	"/ip4/77.66.11.90/tcp/443",
	"/ip4/77.66.11.92/tcp/443",
	"/ip4/5.179.92.180/tcp/443",
	"/ip4/5.179.92.182/tcp/443",
}

// Config holds the settings shared by every Connection of a Node.
type Config struct {
	// GridServers are tried in order by ConnectToGrid until one accepts the
	// TCP connection. Defaults to DefaultGridServers.
	GridServers []multiaddr.Multiaddr

	// GridPeerID, when set, pins the grid's long-term key. A grid presenting
	// another key fails with AuthenticationFailed.
	GridPeerID *crypto.PeerID

	// PrivateKey is an optional default identity for new connections.
	// Connection.SetPrivateKey overrides it per connection.
	PrivateKey []byte

	// HandshakeTimeout bounds dialing plus the secure channel handshake.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds a grid request and each step of pairing.
	RequestTimeout time.Duration

	// PingInterval is the initial keepalive interval. Zero disables
	// keepalive until Connection.SetPingInterval is called.
	PingInterval time.Duration

	// MaxMissedPings unanswered pings end the connection with
	// KeepaliveTimeout.
	MaxMissedPings int

	// BufferSize is the socket read size.
	BufferSize int

	// MessageBufferSize is the capacity of each connection's Messages
	// channel.
	MessageBufferSize int

	// EventBufferSize is the capacity of each connection's Events channel.
	EventBufferSize int

	// Blocking is the initial I/O mode of new connections. NewConfig sets
	// it to true.
	Blocking bool

	// Dialer opens TCP connections. Defaults to a net.Dialer.
	Dialer transport.Dialer

	// TrustStore, when set, records every device paired through PairRemote.
	// The caller owns the store and closes it.
	TrustStore *trust.Store

	// Clock drives timeouts and keepalive. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives library logs. Defaults to NopLogger.
	Logger Logger

	// Metrics receives library metrics. Defaults to NopMetrics.
	Metrics Metrics

	// Tracer receives operation spans. Defaults to NopTracer.
	Tracer Tracer
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.PrivateKey != nil {
		if _, err := crypto.CalcPublicKey(c.PrivateKey); err != nil {
			return fmt.Errorf("%w: private key: %v", ErrInvalidConfig, err)
		}
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake timeout cannot be negative", ErrInvalidConfig)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request timeout cannot be negative", ErrInvalidConfig)
	}
	if c.PingInterval < 0 {
		return fmt.Errorf("%w: ping interval cannot be negative", ErrInvalidConfig)
	}
	if c.MaxMissedPings < 0 {
		return fmt.Errorf("%w: max missed pings cannot be negative", ErrInvalidConfig)
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("%w: buffer size cannot be negative", ErrInvalidConfig)
	}
	if c.MessageBufferSize < 0 {
		return fmt.Errorf("%w: message buffer size cannot be negative", ErrInvalidConfig)
	}
	if c.EventBufferSize < 0 {
		return fmt.Errorf("%w: event buffer size cannot be negative", ErrInvalidConfig)
	}
	for i, ma := range c.GridServers {
		if ma == nil {
			return fmt.Errorf("%w: grid server %d is nil", ErrInvalidConfig, i)
		}
	}
	return nil
}

// applyDefaults sets default values for any unset optional fields.
func (c *Config) applyDefaults() {
	if len(c.GridServers) == 0 {
		c.GridServers = defaultGridServers()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxMissedPings == 0 {
		c.MaxMissedPings = DefaultMaxMissedPings
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MessageBufferSize == 0 {
		c.MessageBufferSize = DefaultMessageBufferSize
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Tracer == nil {
		c.Tracer = NopTracer{}
	}
}

func defaultGridServers() []multiaddr.Multiaddr {
	out := make([]multiaddr.Multiaddr, 0, len(DefaultGridServers))
	for _, s := range DefaultGridServers {
		out = append(out, multiaddr.StringCast(s))
	}
	return out
}

// ConfigOption is a functional option for NewConfig.
type ConfigOption func(*Config)

// WithGridServers replaces the grid server list.
func WithGridServers(addrs ...multiaddr.Multiaddr) ConfigOption {
	return func(c *Config) {
		c.GridServers = append([]multiaddr.Multiaddr(nil), addrs...)
	}
}

// WithGridPeerID pins the grid's long-term key.
func WithGridPeerID(id crypto.PeerID) ConfigOption {
	return func(c *Config) {
		c.GridPeerID = &id
	}
}

// WithPrivateKey sets the default identity for new connections.
func WithPrivateKey(key []byte) ConfigOption {
	return func(c *Config) {
		c.PrivateKey = append([]byte(nil), key...)
	}
}

// WithHandshakeTimeout sets the handshake timeout.
func WithHandshakeTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithRequestTimeout sets the grid request and pairing timeout.
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithPingInterval sets the initial keepalive interval.
func WithPingInterval(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithMaxMissedPings sets how many unanswered pings end a connection.
func WithMaxMissedPings(n int) ConfigOption {
	return func(c *Config) {
		c.MaxMissedPings = n
	}
}

// WithBufferSize sets the socket read size.
func WithBufferSize(n int) ConfigOption {
	return func(c *Config) {
		c.BufferSize = n
	}
}

// WithMessageBufferSize sets the Messages channel capacity.
func WithMessageBufferSize(n int) ConfigOption {
	return func(c *Config) {
		c.MessageBufferSize = n
	}
}

// WithEventBufferSize sets the Events channel capacity.
func WithEventBufferSize(n int) ConfigOption {
	return func(c *Config) {
		c.EventBufferSize = n
	}
}

// WithBlocking sets the initial I/O mode of new connections.
func WithBlocking(blocking bool) ConfigOption {
	return func(c *Config) {
		c.Blocking = blocking
	}
}

// WithDialer sets the TCP dialer.
func WithDialer(d transport.Dialer) ConfigOption {
	return func(c *Config) {
		c.Dialer = d
	}
}

// WithTrustStore records paired devices in st.
func WithTrustStore(st *trust.Store) ConfigOption {
	return func(c *Config) {
		c.TrustStore = st
	}
}

// WithClock sets the clock used for timeouts and keepalive.
func WithClock(clk clock.Clock) ConfigOption {
	return func(c *Config) {
		c.Clock = clk
	}
}

// WithLogger sets the logger.
// The logger must be safe for concurrent use.
func WithLogger(l Logger) ConfigOption {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics sets the metrics collector.
// The metrics collector must be safe for concurrent use.
func WithMetrics(m Metrics) ConfigOption {
	return func(c *Config) {
		c.Metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) ConfigOption {
	return func(c *Config) {
		c.Tracer = t
	}
}

// NewConfig creates a Config in blocking mode, applies opts and fills in
// defaults. It does not validate the result.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{Blocking: true}
	for _, opt := range opts {
		opt(c)
	}
	c.applyDefaults()
	return c
}
