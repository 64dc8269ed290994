package opensdg

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andersop91/opensdg/internal/eventdispatch"
	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/connection"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/grid"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Connection is one Grid Connect session: a secure channel to the grid and,
// once ConnectToRemote succeeds, an end-to-end secure channel to a peer.
//
// Operations follow the state graph of the connection package. At most one
// connect or pairing operation may be in flight; Close, SetBlockingMode and
// the connect calls fail with ErrInvalidState while one is. State, result
// and statistics queries never block.
//
// In blocking mode ConnectToGrid, ConnectToRemote and PairRemote return
// once the operation finished. In non-blocking mode they return
// ErrWouldBlock after the first step and the caller drives the operation
// with Poll, typically after Ready fires.
//
// Connection is safe for concurrent use.
type Connection struct {
	id      uuid.UUID
	node    *Node
	cfg     *Config
	log     Logger
	metrics Metrics
	tracer  Tracer
	clock   clock.Clock

	machine *connection.Machine
	events  *eventdispatch.Dispatcher[ConnectionEvent]
	stats   *connStatsTracker

	peer     atomic.Pointer[crypto.PeerID]
	messages chan []byte
	ready    chan struct{}
	msgsOnce sync.Once

	mu              sync.Mutex
	identity        *crypto.Identity
	ownsIdentity    bool
	blocking        bool
	pingInterval    time.Duration
	protocol        string
	pairingRequired bool
	op              operation
	gridClient      *grid.Client
	grid            *link
	peerLink        *link
	keepalive       *connection.KeepaliveTimer
	pumps           []*pump
	destroyed       bool
}

func newConnection(n *Node) *Connection {
	cfg := n.config
	c := &Connection{
		id:           uuid.New(),
		node:         n,
		cfg:          cfg,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		clock:        cfg.Clock,
		events:       eventdispatch.NewDispatcher[ConnectionEvent](cfg.EventBufferSize),
		stats:        newConnStatsTracker(cfg.Clock),
		messages:     make(chan []byte, cfg.MessageBufferSize),
		ready:        make(chan struct{}, 1),
		identity:     n.identity,
		blocking:     cfg.Blocking,
		pingInterval: cfg.PingInterval,
		gridClient:   grid.NewClient(cfg.Clock, cfg.RequestTimeout),
	}
	c.log = withFields(cfg.Logger, "conn_id", c.id.String())
	c.machine = connection.NewMachine(cfg.Clock, c.observe)
	c.events.OnDrop(func(ConnectionEvent) {
		c.metrics.EventDropped()
	})
	return c
}

// observe turns machine transitions into events, metrics and logs.
func (c *Connection) observe(tr connection.Transition) {
	ev := ConnectionEvent{
		ConnID:    c.id,
		PeerID:    c.PeerID(),
		From:      tr.From,
		To:        tr.To,
		Result:    fromMachineResult(tr.Result),
		Errno:     tr.Errno,
		Timestamp: tr.At,
	}

	c.metrics.StateTransition(tr.From.String(), tr.To.String())
	if c.events.Emit(ev) {
		c.metrics.EventEmitted(tr.To.String())
	}
	c.node.broadcast(ev)

	switch tr.To {
	case StateError:
		c.log.Error("connection failed", "from", tr.From.String(), "result", ev.Result.String(), "errno", tr.Errno)
	case StateConnectedToGrid, StateConnected, StateClosed:
		c.log.Info("state changed", "from", tr.From.String(), "state", tr.To.String())
	default:
		c.log.Debug("state changed", "from", tr.From.String(), "state", tr.To.String())
	}
}

func toMachineResult(code ResultCode) connection.Result {
	return connection.Result(code)
}

func fromMachineResult(r connection.Result) ResultCode {
	return ResultCode(r)
}

// ID returns the connection's handle id.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// SetPrivateKey binds an identity to the connection. It is only allowed
// before ConnectToGrid. An invalid key fails with ErrInvalidKey and leaves
// the connection unchanged.
func (c *Connection) SetPrivateKey(key []byte) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if state := c.machine.State(); state != StateCreated {
		return c.reject(newError(ResultInvalidState, fmt.Sprintf("cannot set key in state %s", state), nil))
	}

	id, err := crypto.NewIdentity(key)
	if err != nil {
		return c.reject(newError(ResultInvalidKey, "invalid private key", err))
	}

	c.mu.Lock()
	old, owned := c.identity, c.ownsIdentity
	c.identity, c.ownsIdentity = id, true
	c.mu.Unlock()

	if owned && old != nil {
		old.Destroy()
	}
	c.machine.Record(toMachineResult(ResultOK), 0)
	return nil
}

// MyPeerID returns the peer id of the connection's identity.
func (c *Connection) MyPeerID() (crypto.PeerID, error) {
	id := c.identityRef()
	if id == nil {
		return crypto.PeerID{}, newError(ResultInvalidKey, "no private key set", nil)
	}
	return id.PeerID(), nil
}

// PeerID returns the remote peer passed to ConnectToRemote, or the zero id.
func (c *Connection) PeerID() crypto.PeerID {
	if p := c.peer.Load(); p != nil {
		return *p
	}
	return crypto.PeerID{}
}

// Protocol returns the protocol name passed to ConnectToRemote.
func (c *Connection) Protocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	return c.machine.State()
}

// LastResult returns the result of the last operation or state change.
func (c *Connection) LastResult() ResultCode {
	return fromMachineResult(c.machine.LastResult())
}

// LastErrno returns the OS error number recorded with the last
// ResultNetworkError, or 0.
func (c *Connection) LastErrno() int {
	return c.machine.LastErrno()
}

// Events returns the connection's state change notifications. Events are
// dropped when the channel is full. The channel is closed by Destroy.
func (c *Connection) Events() <-chan ConnectionEvent {
	return c.events.Events()
}

// Messages returns the data frames received from the peer, in arrival
// order. The channel is closed when the connection closes, fails or is
// destroyed. A consumer that stops reading stalls the receive side, and
// with it keepalive detection.
func (c *Connection) Messages() <-chan []byte {
	return c.messages
}

// Ready receives a value whenever the grid or peer socket becomes readable
// or finishes connecting. Non-blocking callers wait on it between Polls.
func (c *Connection) Ready() <-chan struct{} {
	return c.ready
}

func (c *Connection) notifyReady() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the connection's statistics.
func (c *Connection) Stats() *ConnectionStats {
	return c.stats.snapshot(c.id, c.PeerID(), c.machine.State())
}

// BlockingMode reports whether operations wait for completion.
func (c *Connection) BlockingMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocking
}

// SetBlockingMode selects blocking or non-blocking operation. It takes
// effect on the next call and is rejected with ErrInvalidState while an
// operation is in flight.
func (c *Connection) SetBlockingMode(blocking bool) error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.op != nil {
		c.mu.Unlock()
		return c.reject(newError(ResultInvalidState, "operation in progress", nil))
	}
	c.blocking = blocking
	peer := c.peerLink
	c.mu.Unlock()

	if peer != nil && c.machine.State() == StateConnected {
		peer.ch.Conn().SetBlocking(blocking)
	}
	return nil
}

// PingInterval returns the keepalive interval. Zero means disabled.
func (c *Connection) PingInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingInterval
}

// SetPingInterval sets the keepalive interval in seconds; 0 disables
// keepalive. It may be called in any state and applies once Connected.
func (c *Connection) SetPingInterval(seconds int) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if seconds < 0 {
		return c.reject(fmt.Errorf("%w: ping interval cannot be negative", ErrInvalidArgument))
	}

	d := time.Duration(seconds) * time.Second
	c.mu.Lock()
	c.pingInterval = d
	ka := c.keepalive
	c.mu.Unlock()

	if ka != nil {
		ka.SetInterval(d)
	}
	return nil
}

// ConnectToGrid dials the configured grid servers in order and runs the
// secure handshake with the first that answers. The context bounds the
// operation in blocking mode; expiry fails it with ErrHandshakeTimeout.
func (c *Connection) ConnectToGrid(ctx context.Context) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	id := c.identityRef()
	if id == nil {
		return c.reject(newError(ResultInvalidKey, "no private key set", nil))
	}

	op := &gridConnectOp{
		opBase:  opBase{c: c},
		id:      id,
		servers: c.cfg.GridServers,
	}
	if err := c.reserve(op, StateCreated, StateConnectingGrid); err != nil {
		return err
	}
	return c.run(ctx, op, OpConnectGrid)
}

// ConnectToRemote asks the grid for a tunnel to peer speaking protocol and
// runs the secure handshake with the peer through the relay.
//
// It returns ErrPeerUnreachable or ErrProtocolUnsupported when the grid
// reports so; both are fatal. When the peer does not trust this identity
// yet it returns ErrPairingRequired and the connection stays in
// ConnectingPeer: call PairRemote, then ConnectToRemote again.
func (c *Connection) ConnectToRemote(ctx context.Context, peer crypto.PeerID, protocol string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if peer.IsZero() {
		return c.reject(fmt.Errorf("%w: peer id is zero", ErrInvalidArgument))
	}
	if err := ValidateProtocolName(protocol); err != nil {
		return c.reject(err)
	}
	id := c.identityRef()
	if id == nil {
		return c.reject(newError(ResultInvalidKey, "no private key set", nil))
	}

	op := &peerConnectOp{
		opBase:   opBase{c: c},
		id:       id,
		peer:     peer,
		protocol: protocol,
	}

	from := c.machine.State()
	if from == StateConnectingPeer {
		// Retry after pairing; the target must not change.
		if current := c.PeerID(); current != peer {
			return c.reject(newError(ResultInvalidState, "connect already targets another peer", nil))
		}
		if err := c.reserve(op, StateConnectingPeer, StateConnectingPeer); err != nil {
			return err
		}
	} else {
		if err := c.reserveWith(op, func() error {
			prev := c.peer.Swap(&peer)
			err := c.machine.TransitionFrom(StateConnectedToGrid, StateConnectingPeer, toMachineResult(ResultOK), 0)
			if err != nil {
				c.peer.Store(prev)
			}
			return err
		}); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.protocol = protocol
	c.pairingRequired = false
	c.mu.Unlock()

	return c.run(ctx, op, OpConnectPeer)
}

// PairRemote proves knowledge of otp to the peer named in the preceding
// ConnectToRemote, which must have returned ErrPairingRequired. On success
// the connection is back in ConnectingPeer and ConnectToRemote should be
// called again. A wrong, expired or already used OTP fails with
// ErrPairingFailed.
func (c *Connection) PairRemote(ctx context.Context, otp string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := ValidateOTP(otp); err != nil {
		return c.reject(err)
	}
	id := c.identityRef()
	if id == nil {
		return c.reject(newError(ResultInvalidKey, "no private key set", nil))
	}

	c.mu.Lock()
	required := c.pairingRequired
	c.mu.Unlock()
	if !required {
		return c.reject(newError(ResultInvalidState, "peer did not ask for pairing", nil))
	}

	op := &pairOp{
		opBase: opBase{c: c},
		id:     id,
		otp:    otp,
	}
	if err := c.reserve(op, StateConnectingPeer, StatePairing); err != nil {
		return err
	}
	return c.run(ctx, op, OpPair)
}

// Send writes one data frame to the peer. It fails with ErrInvalidState,
// without any network I/O, unless the connection is Connected. In
// non-blocking mode a frame the socket cannot take yet is queued and
// written by later calls or the receive loop.
func (c *Connection) Send(data []byte) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if err := ValidatePayload(data); err != nil {
		return c.reject(err)
	}
	if state := c.machine.State(); state != StateConnected {
		return c.reject(newError(ResultInvalidState, fmt.Sprintf("cannot send in state %s", state), nil))
	}

	c.mu.Lock()
	l := c.peerLink
	c.mu.Unlock()
	if l == nil {
		return c.reject(newError(ResultInvalidState, "no peer channel", nil))
	}

	_, end := c.tracer.Start(context.Background(), OpSend, c.id.String(), c.PeerID().String())
	if err := l.ch.Send(channel.FlagData, data); err != nil {
		e := c.fail(ResultOf(err), err, false)
		end(e)
		return e
	}
	end(nil)

	c.stats.recordSent(channel.FlagData, len(data))
	c.metrics.MessageSent(len(data))
	c.machine.Record(toMachineResult(ResultOK), 0)
	return nil
}

// Close ends the session: it tells the peer, stops keepalive and closes
// both channels. Closing a connection that never connected, or while an
// operation is in flight, fails with ErrInvalidState. Closing a closed
// connection is a no-op, and closing a failed one only releases its
// resources.
func (c *Connection) Close() error {
	if err := c.checkUsable(); err != nil {
		return err
	}

	c.mu.Lock()
	busy := c.op != nil
	c.mu.Unlock()
	if busy {
		return c.reject(newError(ResultInvalidState, "operation in progress", nil))
	}

	state := c.machine.State()
	switch state {
	case StateClosed:
		return nil
	case StateError:
		c.release(false)
		return nil
	case StateCreated, StateClosing:
		return c.reject(newError(ResultInvalidState, fmt.Sprintf("cannot close in state %s", state), nil))
	}

	_, end := c.tracer.Start(context.Background(), OpClose, c.id.String(), c.PeerID().String())

	if err := c.machine.TransitionFrom(state, StateClosing, toMachineResult(ResultOK), 0); err != nil {
		e := newError(ResultInvalidState, "connection changed state during close", err)
		end(e)
		return c.reject(e)
	}

	c.mu.Lock()
	links := []*link{c.peerLink, c.grid}
	c.mu.Unlock()
	for _, l := range links {
		if l == nil {
			continue
		}
		if err := l.ch.Send(channel.FlagClose, nil); err == nil {
			_ = l.ch.Flush()
		}
	}

	c.release(false)
	_ = c.machine.TransitionFrom(StateClosing, StateClosed, toMachineResult(ResultOK), 0)
	end(nil)
	return nil
}

// Destroy releases every resource of the connection and removes it from
// its Node. Any operation still in flight fails. It is idempotent.
func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	if c.machine.State() == StateConnected {
		c.mu.Lock()
		l := c.peerLink
		c.mu.Unlock()
		if l != nil && l.ch.Send(channel.FlagClose, nil) == nil {
			_ = l.ch.Flush()
		}
	}

	c.release(false)
	c.closeMessages()
	c.events.Close()

	c.mu.Lock()
	id, owned := c.identity, c.ownsIdentity
	c.identity, c.ownsIdentity = nil, false
	c.mu.Unlock()
	if owned && id != nil {
		id.Destroy()
	}

	c.node.remove(c.id)
	c.metrics.ConnectionDestroyed()
	c.log.Debug("connection destroyed")
}

// fail moves the connection to Error once and releases its network
// resources. fromPump is set when called from a receive pump, which must
// not wait for itself.
func (c *Connection) fail(code ResultCode, cause error, fromPump bool) *Error {
	e := newError(code, "", cause)
	e.PeerID = c.PeerID()

	if !c.machine.Fail(toMachineResult(code), e.Errno) {
		return e
	}
	c.stats.recordFailure()
	c.release(fromPump)
	return e
}

// release stops keepalive and the pumps and closes both links. It is safe
// to call repeatedly and from any goroutine the connection runs.
func (c *Connection) release(fromPump bool) {
	c.mu.Lock()
	ka := c.keepalive
	pumps := c.pumps
	links := []*link{c.peerLink, c.grid}
	c.keepalive, c.pumps = nil, nil
	c.peerLink, c.grid = nil, nil
	c.mu.Unlock()

	if ka != nil {
		ka.Stop()
	}
	for _, p := range pumps {
		p.halt()
	}
	for _, l := range links {
		if l != nil {
			_ = l.close()
		}
	}
	if len(pumps) > 0 {
		c.stats.recordEnded()
	}
	if !fromPump {
		for _, p := range pumps {
			<-p.done
		}
		c.closeMessages()
	}
	c.gridClient.Reset()
}

// reject records the result of a refused call and returns err.
func (c *Connection) reject(err error) error {
	code, errno := resultFromError(err)
	c.machine.Record(toMachineResult(code), errno)
	return err
}

func (c *Connection) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return newError(ResultInvalidState, "connection destroyed", nil)
	}
	return nil
}

func (c *Connection) identityRef() *crypto.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Connection) keepaliveTimer() *connection.KeepaliveTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepalive
}

func (c *Connection) closeMessages() {
	c.msgsOnce.Do(func() { close(c.messages) })
}

// onConnected starts keepalive and the receive pumps on a fresh peer link.
func (c *Connection) onConnected(peer *link) {
	c.stats.recordConnected()

	c.mu.Lock()
	interval := c.pingInterval
	blocking := c.blocking
	gridLink := c.grid
	c.mu.Unlock()

	ka := connection.NewKeepaliveTimer(connection.KeepaliveConfig{
		Interval:  interval,
		MaxMissed: c.cfg.MaxMissedPings,
		Clock:     c.clock,
		SendPing: func() error {
			if err := peer.ch.Send(channel.FlagPing, nil); err != nil {
				return err
			}
			c.stats.recordSent(channel.FlagPing, 0)
			c.metrics.PingSent()
			return nil
		},
		OnTimeout: func(err error) {
			if err != nil {
				c.fail(ResultOf(err), err, false)
				return
			}
			c.metrics.KeepaliveTimeout()
			c.fail(ResultKeepaliveTimeout, nil, false)
		},
	})

	peerPump := newPump()
	pumps := []*pump{peerPump}
	var gridPump *pump
	if gridLink != nil {
		gridPump = newPump()
		pumps = append(pumps, gridPump)
	}

	c.mu.Lock()
	c.keepalive = ka
	c.pumps = pumps
	c.mu.Unlock()

	peer.ch.Conn().SetBlocking(blocking)
	go c.runPeerPump(peer, peerPump)
	if gridPump != nil {
		go c.runGridPump(gridLink, gridPump)
	}
	ka.Start()
}

// reserve marks op as the operation in flight and moves the machine from
// one state to another. from == to only checks the current state.
func (c *Connection) reserve(op operation, from, to ConnectionState) error {
	return c.reserveWith(op, func() error {
		if from == to {
			if state := c.machine.State(); state != from {
				return fmt.Errorf("%w: in %s, expected %s", connection.ErrInvalidTransition, state, from)
			}
			return nil
		}
		return c.machine.TransitionFrom(from, to, toMachineResult(ResultOK), 0)
	})
}

func (c *Connection) reserveWith(op operation, enter func() error) error {
	c.mu.Lock()
	if c.op != nil {
		c.mu.Unlock()
		return c.reject(newError(ResultInvalidState, "operation in progress", nil))
	}
	c.op = op
	c.mu.Unlock()

	if err := enter(); err != nil {
		c.mu.Lock()
		c.op = nil
		c.mu.Unlock()
		return c.reject(newError(ResultInvalidState, "operation not allowed in this state", err))
	}
	return nil
}
