package opensdg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/grid"
	"github.com/andersop91/opensdg/pkg/pairing"
	"github.com/andersop91/opensdg/pkg/transport"
	"github.com/andersop91/opensdg/pkg/wire"
	"github.com/multiformats/go-multiaddr"
)

// operation is a connect or pairing exchange driven step by step. step
// returns nil once done, transport.ErrWouldBlock while it waits for the
// network, and any other error when it failed; failures have already been
// applied to the connection.
type operation interface {
	step() error
	wakeup() <-chan struct{}
	deadline() time.Time
	finish(err error)
}

type opBase struct {
	c     *Connection
	link  *link
	until time.Time
	end   func(error)
}

func (op *opBase) wakeup() <-chan struct{} {
	if op.link == nil {
		return nil
	}
	return op.link.wake
}

func (op *opBase) deadline() time.Time {
	return op.until
}

func (op *opBase) finish(err error) {
	if op.end != nil {
		op.end(err)
	}
}

func (op *opBase) setDeadline(d time.Duration) {
	op.until = op.c.clock.Now().Add(d)
}

func (op *opBase) expired() bool {
	return !op.until.IsZero() && !op.c.clock.Now().Before(op.until)
}

// failWith maps err onto a result code and fails the connection.
func (op *opBase) failWith(err error) error {
	return op.c.fail(ResultOf(err), err, false)
}

// run starts op. In blocking mode it drives op to completion; otherwise it
// takes one step and leaves the rest to Poll.
func (c *Connection) run(ctx context.Context, op operation, name string) error {
	_, end := c.tracer.Start(ctx, name, c.id.String(), c.PeerID().String())
	switch o := op.(type) {
	case *gridConnectOp:
		o.end = end
	case *peerConnectOp:
		o.end = end
	case *pairOp:
		o.end = end
	}

	if c.BlockingMode() {
		return c.drive(ctx, op)
	}
	return c.stepOp(op)
}

// Poll advances the operation in flight by one step. It returns
// ErrWouldBlock while the operation waits for the network, the
// operation's result once it finished, and nil when nothing is in flight.
func (c *Connection) Poll() error {
	c.mu.Lock()
	op := c.op
	c.mu.Unlock()
	if op == nil {
		return nil
	}
	return c.stepOp(op)
}

func (c *Connection) stepOp(op operation) error {
	err := op.step()
	if transport.IsWouldBlock(err) {
		c.machine.Record(toMachineResult(ResultWouldBlock), 0)
		return ErrWouldBlock
	}

	c.mu.Lock()
	if c.op == op {
		c.op = nil
	}
	c.mu.Unlock()

	op.finish(err)
	return err
}

// drive steps op until it finishes, waiting for readiness, the context or
// the operation's deadline in between.
func (c *Connection) drive(ctx context.Context, op operation) error {
	for {
		err := c.stepOp(op)
		if !errors.Is(err, ErrWouldBlock) {
			return err
		}

		if err := c.wait(ctx, op); err != nil {
			return c.abort(op, newError(ResultHandshakeTimeout, "operation cancelled", err))
		}
	}
}

// wait blocks until op's link is ready, its deadline passes, the poll
// interval elapses or ctx is done. Only the last returns an error.
func (c *Connection) wait(ctx context.Context, op operation) error {
	var expired <-chan time.Time
	if d := op.deadline(); !d.IsZero() {
		timer := c.clock.Timer(d.Sub(c.clock.Now()))
		defer timer.Stop()
		expired = timer.C
	}

	poll := time.NewTimer(pollInterval)
	defer poll.Stop()

	select {
	case <-op.wakeup():
	case <-expired:
	case <-poll.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// abort fails the connection with err and retires op.
func (c *Connection) abort(op operation, err *Error) error {
	e := c.fail(err.Code, err.Cause, false)
	e.Message = err.Message

	c.mu.Lock()
	if c.op == op {
		c.op = nil
	}
	c.mu.Unlock()

	op.finish(e)
	return e
}

// dial opens a non-blocking transport connection wrapped in a link.
func (c *Connection) dial(network, address string) (*link, error) {
	conn, err := transport.Dial(context.Background(), network, address, c.transportOptions())
	if err != nil {
		return nil, err
	}
	return newLink(conn, c.cfg.BufferSize, c.notifyReady), nil
}

func (c *Connection) dialMultiaddr(addr multiaddr.Multiaddr) (*link, error) {
	conn, err := transport.DialMultiaddr(context.Background(), addr, c.transportOptions())
	if err != nil {
		return nil, err
	}
	return newLink(conn, c.cfg.BufferSize, c.notifyReady), nil
}

func (c *Connection) transportOptions() transport.Options {
	return transport.Options{
		Dialer:   c.cfg.Dialer,
		Blocking: false,
		ReadSize: c.cfg.BufferSize,
	}
}

// sendGrid encodes and sends one grid message.
func sendGrid(l *link, m grid.Message) error {
	return l.ch.Send(channel.FlagData, grid.Encode(m))
}

// readGrid returns the next grid message on l, answering pings on the way.
func readGrid(l *link) (grid.Message, error) {
	for {
		flag, payload, err := l.ch.Receive()
		if err != nil {
			return nil, err
		}
		switch flag {
		case channel.FlagData:
			return grid.Decode(payload)
		case channel.FlagPing:
			if err := l.ch.Send(channel.FlagPong, nil); err != nil {
				return nil, err
			}
		case channel.FlagClose:
			return nil, newError(ResultChannelClosed, "grid closed the channel", nil)
		}
	}
}

// Grid connect phases.
const (
	gridDial = iota
	gridHandshake
	gridVersion
)

type gridConnectOp struct {
	opBase
	id      *crypto.Identity
	servers []multiaddr.Multiaddr
	next    int
	phase   int
	started time.Time
}

func (op *gridConnectOp) step() error {
	c := op.c
	for {
		switch op.phase {
		case gridDial:
			if err := op.dialNext(); err != nil {
				return err
			}

		case gridHandshake:
			if op.expired() {
				c.metrics.HandshakeResult("grid", ResultHandshakeTimeout.String())
				return c.fail(ResultHandshakeTimeout, channel.ErrHandshakeTimeout, false)
			}
			done, err := op.link.ch.Step()
			if transport.IsWouldBlock(err) {
				return err
			}
			if err != nil {
				if op.retry(err) {
					continue
				}
				c.metrics.HandshakeResult("grid", ResultOf(err).String())
				return op.failWith(err)
			}
			if !done {
				return transport.ErrWouldBlock
			}

			c.metrics.HandshakeDuration("grid", c.clock.Since(op.started).Seconds())
			c.metrics.HandshakeResult("grid", ResultOK.String())
			c.stats.recordHandshake()
			c.log.Debug("grid handshake complete", "grid_id", op.link.ch.RemotePeer().ShortString())

			if err := sendGrid(op.link, c.gridClient.VersionRequest()); err != nil {
				return op.failWith(err)
			}
			op.setDeadline(c.cfg.RequestTimeout)
			op.phase = gridVersion

		case gridVersion:
			if op.expired() {
				return c.fail(ResultHandshakeTimeout, grid.ErrRequestTimeout, false)
			}
			msg, err := readGrid(op.link)
			if transport.IsWouldBlock(err) {
				return err
			}
			if err != nil {
				return op.failWith(err)
			}
			v, ok := msg.(*grid.ProtocolVersion)
			if !ok {
				return op.failWith(fmt.Errorf("%w: %v before version", grid.ErrUnexpectedReply, msg.Type()))
			}
			if err := grid.CheckVersion(v); err != nil {
				return op.failWith(err)
			}

			if err := c.machine.TransitionFrom(StateConnectingGrid, StateConnectedToGrid, toMachineResult(ResultOK), 0); err != nil {
				return op.failWith(err)
			}
			return nil
		}
	}
}

// dialNext dials the next grid server and starts the handshake.
func (op *gridConnectOp) dialNext() error {
	c := op.c
	var lastErr error
	for op.next < len(op.servers) {
		addr := op.servers[op.next]
		op.next++

		l, err := c.dialMultiaddr(addr)
		if err != nil {
			lastErr = err
			c.log.Warn("skipping grid server", "addr", addr.String(), "error", err)
			continue
		}
		c.setGridLink(l)
		op.link = l
		op.started = c.clock.Now()
		op.setDeadline(c.cfg.HandshakeTimeout)
		c.log.Debug("dialing grid", "addr", addr.String())

		if err := l.ch.Begin(channel.NewInitiator(op.id, c.cfg.GridPeerID)); err != nil {
			if op.retry(err) {
				continue
			}
			return op.failWith(err)
		}
		op.phase = gridHandshake
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no grid server configured")
	}
	return op.failWith(lastErr)
}

// retry drops a grid server that could not be reached and moves on to the
// next one. Failures after the socket connected are not retried.
func (op *gridConnectOp) retry(err error) bool {
	if op.link == nil || op.link.ch.Conn().Connected() || op.next >= len(op.servers) {
		return false
	}
	op.c.log.Warn("grid server unreachable", "addr", op.link.ch.Conn().Address(), "error", err)
	op.c.clearGridLink(op.link)
	_ = op.link.close()
	op.link = nil
	op.phase = gridDial
	return true
}

func (c *Connection) setGridLink(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grid = l
}

func (c *Connection) clearGridLink(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grid == l {
		c.grid = nil
	}
}

func (c *Connection) gridLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.grid
}

// Peer connect phases.
const (
	peerRequest = iota
	peerReply
	peerHandshake
)

type peerConnectOp struct {
	opBase
	id       *crypto.Identity
	peer     crypto.PeerID
	protocol string
	phase    int
	reqID    uint32
	started  time.Time
}

func (op *peerConnectOp) step() error {
	c := op.c
	for {
		switch op.phase {
		case peerRequest:
			gl := c.gridLink()
			if gl == nil {
				return c.fail(ResultChannelClosed, transport.ErrClosed, false)
			}
			op.link = gl
			req := c.gridClient.ConnectRequest(op.peer, op.protocol)
			op.reqID = req.ID
			if err := sendGrid(gl, req); err != nil {
				return op.failWith(err)
			}
			op.setDeadline(c.cfg.RequestTimeout)
			op.phase = peerReply
			c.log.Debug("requested peer", "peer_id", op.peer.ShortString(), "protocol", op.protocol)

		case peerReply:
			if op.expired() {
				c.gridClient.Cancel(op.reqID)
				return c.fail(ResultHandshakeTimeout, grid.ErrRequestTimeout, false)
			}
			msg, err := readGrid(op.link)
			if transport.IsWouldBlock(err) {
				return err
			}
			if err != nil {
				return op.failWith(err)
			}
			if err := c.gridClient.Dispatch(msg); err != nil {
				c.log.Debug("ignoring grid message", "type", msg.Type().String(), "error", err)
				continue
			}
			reply, ok := msg.(*grid.PeerReply)
			if !ok || reply.ID != op.reqID {
				continue
			}
			if err := op.handleReply(reply); err != nil {
				return err
			}

		case peerHandshake:
			if op.expired() {
				c.metrics.HandshakeResult("peer", ResultHandshakeTimeout.String())
				return c.fail(ResultHandshakeTimeout, channel.ErrHandshakeTimeout, false)
			}
			done, err := op.link.ch.Step()
			if transport.IsWouldBlock(err) {
				return err
			}
			if err != nil {
				c.metrics.HandshakeResult("peer", ResultOf(err).String())
				return op.failWith(err)
			}
			if !done {
				return transport.ErrWouldBlock
			}

			c.metrics.HandshakeDuration("peer", c.clock.Since(op.started).Seconds())
			c.metrics.HandshakeResult("peer", ResultOK.String())
			c.stats.recordHandshake()

			if err := c.machine.TransitionFrom(StateConnectingPeer, StateConnected, toMachineResult(ResultOK), 0); err != nil {
				return op.failWith(err)
			}
			c.onConnected(op.link)
			return nil
		}
	}
}

// handleReply acts on the grid's answer to ConnectToPeer. On success it
// dials the relay and starts the peer handshake.
func (op *peerConnectOp) handleReply(reply *grid.PeerReply) error {
	c := op.c
	c.metrics.PeerRequest(reply.Result.String())

	switch reply.Result {
	case grid.PeerOK:
	case grid.PeerUnreachable:
		return c.fail(ResultPeerUnreachable, nil, false)
	case grid.PeerProtocolUnsupported:
		return c.fail(ResultProtocolUnsupported, nil, false)
	case grid.PeerPairingRequired:
		c.mu.Lock()
		c.pairingRequired = true
		c.mu.Unlock()
		c.machine.Record(toMachineResult(ResultPairingRequired), 0)
		c.log.Warn("peer requires pairing", "peer_id", op.peer.ShortString())
		e := newError(ResultPairingRequired, "", nil)
		e.PeerID = op.peer
		return e
	default:
		return op.failWith(fmt.Errorf("%w: peer result %v", grid.ErrUnexpectedReply, reply.Result))
	}

	l, err := c.dial("tcp", reply.Relay)
	if err != nil {
		return op.failWith(err)
	}
	c.mu.Lock()
	c.peerLink = l
	c.mu.Unlock()
	op.link = l
	op.started = c.clock.Now()
	op.setDeadline(c.cfg.HandshakeTimeout)
	c.log.Debug("dialing relay", "relay", reply.Relay)

	fwd, err := wire.Encode(wire.CmdForward, reply.TunnelID)
	if err != nil {
		return op.failWith(err)
	}
	if err := l.ch.WritePacket(fwd); err != nil {
		return op.failWith(err)
	}
	peer := op.peer
	if err := l.ch.Begin(channel.NewInitiator(op.id, &peer)); err != nil {
		return op.failWith(err)
	}
	op.phase = peerHandshake
	return nil
}

// Pairing phases.
const (
	pairRequest = iota
	pairChallenge
	pairResult
)

type pairOp struct {
	opBase
	id      *crypto.Identity
	otp     string
	session *pairing.Session
	phase   int
	reqID   uint32
}

func (op *pairOp) finish(err error) {
	if op.session != nil {
		op.session.Destroy()
	}
	op.otp = ""
	op.opBase.finish(err)
}

func (op *pairOp) step() error {
	c := op.c
	for {
		switch op.phase {
		case pairRequest:
			gl := c.gridLink()
			if gl == nil {
				return op.failPairing(transport.ErrClosed)
			}
			op.link = gl

			s, err := pairing.NewSession(op.id, op.otp)
			if err != nil {
				return op.failPairing(err)
			}
			op.session = s
			req := c.gridClient.PairRequest(s.Locator())
			op.reqID = req.ID
			if err := sendGrid(gl, req); err != nil {
				return op.failPairing(err)
			}
			op.setDeadline(c.cfg.RequestTimeout)
			op.phase = pairChallenge

		case pairChallenge, pairResult:
			if op.expired() {
				c.gridClient.Cancel(op.reqID)
				c.metrics.PairingResult(ResultHandshakeTimeout.String())
				return c.fail(ResultHandshakeTimeout, grid.ErrRequestTimeout, false)
			}
			msg, err := readGrid(op.link)
			if transport.IsWouldBlock(err) {
				return err
			}
			if err != nil {
				return op.failPairing(err)
			}
			if err := c.gridClient.Dispatch(msg); err != nil {
				c.log.Debug("ignoring grid message", "type", msg.Type().String(), "error", err)
				continue
			}

			switch m := msg.(type) {
			case *grid.PairingChallenge:
				if m.ID != op.reqID {
					continue
				}
				if err := op.answer(m); err != nil {
					return err
				}
			case *grid.PairingResult:
				if m.ID != op.reqID {
					continue
				}
				return op.complete(m)
			}
		}
	}
}

func (op *pairOp) answer(ch *grid.PairingChallenge) error {
	c := op.c
	if op.phase != pairChallenge {
		return op.failPairing(fmt.Errorf("%w: second challenge", grid.ErrUnexpectedReply))
	}
	if target := c.PeerID(); !target.IsZero() {
		if got, err := crypto.PeerIDFromBytes(ch.PeerID); err != nil || got != target {
			return op.failPairing(fmt.Errorf("%w: challenge from another peer", pairing.ErrInvalidChallenge))
		}
	}

	auth, err := op.session.Respond(ch.PeerID, ch.Nonce)
	if err != nil {
		return op.failPairing(err)
	}
	resp, err := c.gridClient.PairResponse(ch, auth)
	if err != nil {
		return op.failPairing(err)
	}
	if err := sendGrid(op.link, resp); err != nil {
		return op.failPairing(err)
	}
	op.setDeadline(c.cfg.RequestTimeout)
	op.phase = pairResult
	return nil
}

func (op *pairOp) complete(res *grid.PairingResult) error {
	c := op.c
	if res.Result != grid.PairOK || op.phase != pairResult {
		return op.failPairing(pairing.ErrAuthMismatch)
	}

	peer := op.session.Peer()
	if err := c.machine.TransitionFrom(StatePairing, StateConnectingPeer, toMachineResult(ResultOK), 0); err != nil {
		return op.failWith(err)
	}
	c.mu.Lock()
	c.pairingRequired = false
	c.mu.Unlock()
	c.metrics.PairingResult(ResultOK.String())
	c.log.Info("paired with peer", "peer_id", peer.ShortString())

	if st := c.cfg.TrustStore; st != nil {
		if err := st.RecordPairing(peer); err != nil {
			c.log.Warn("failed to record paired peer", "peer_id", peer.ShortString(), "error", err)
		}
	}
	return nil
}

// failPairing fails the connection with ResultPairingFailed, keeping
// network failures as they are.
func (op *pairOp) failPairing(err error) error {
	code := ResultOf(err)
	switch code {
	case ResultNetworkError, ResultChannelClosed, ResultHandshakeTimeout, ResultDecryptionFailed:
	default:
		code = ResultPairingFailed
	}
	op.c.metrics.PairingResult(code.String())
	return op.c.fail(code, err, false)
}
