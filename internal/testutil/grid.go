// Package testutil provides in-process stand-ins for the grid, the relay
// and remote devices, for testing code that uses opensdg.
package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/grid"
	"github.com/andersop91/opensdg/pkg/transport"
	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// Grid is a grid server with its own relay. Devices registered with it are
// reachable by peer id.
type Grid struct {
	id    *crypto.Identity
	ln    net.Listener
	relay *Relay

	version  atomic.Pointer[grid.ProtocolVersion]
	silent   atomic.Bool
	requests atomic.Int64

	mu       sync.Mutex
	devices  map[crypto.PeerID]*Device
	sessions map[*channel.Channel]struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewGrid starts a grid listening on a loopback port. It is closed when the
// test ends.
func NewGrid(tb testing.TB) *Grid {
	tb.Helper()

	id, err := crypto.GenerateIdentity()
	if err != nil {
		tb.Fatalf("generate grid identity: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("listen: %v", err)
	}
	relay, err := newRelay()
	if err != nil {
		ln.Close()
		tb.Fatalf("start relay: %v", err)
	}

	g := &Grid{
		id:       id,
		ln:       ln,
		relay:    relay,
		devices:  make(map[crypto.PeerID]*Device),
		sessions: make(map[*channel.Channel]struct{}),
	}
	g.version.Store(grid.LocalVersion())

	g.wg.Add(1)
	go g.acceptLoop()
	tb.Cleanup(g.Close)
	return g
}

// PeerID returns the grid's peer id.
func (g *Grid) PeerID() crypto.PeerID {
	return g.id.PeerID()
}

// Addr returns the grid's listen address as a multiaddr.
func (g *Grid) Addr() multiaddr.Multiaddr {
	addr, err := manet.FromNetAddr(g.ln.Addr())
	if err != nil {
		panic(err)
	}
	return addr
}

// Register makes d reachable through the grid.
func (g *Grid) Register(d *Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.devices[d.PeerID()] = d
}

// SetVersion changes the ProtocolVersion the grid answers with.
func (g *Grid) SetVersion(v *grid.ProtocolVersion) {
	g.version.Store(v)
}

// SetSilent makes the grid stop answering requests, so that they time out.
func (g *Grid) SetSilent(silent bool) {
	g.silent.Store(silent)
}

// Requests returns the number of requests the grid received.
func (g *Grid) Requests() int64 {
	return g.requests.Load()
}

// DropSessions closes every client session.
func (g *Grid) DropSessions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for ch := range g.sessions {
		_ = ch.Close()
	}
}

// Close stops the grid and its relay.
func (g *Grid) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for ch := range g.sessions {
		_ = ch.Close()
	}
	g.mu.Unlock()

	_ = g.ln.Close()
	_ = g.relay.Close()
	g.wg.Wait()
	g.id.Destroy()
}

func (g *Grid) acceptLoop() {
	defer g.wg.Done()
	for {
		nc, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.wg.Add(1)
		go g.serve(nc)
	}
}

func (g *Grid) track(ch *channel.Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[ch] = struct{}{}
	return true
}

func (g *Grid) untrack(ch *channel.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, ch)
}

func (g *Grid) device(peer crypto.PeerID) *Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.devices[peer]
}

func (g *Grid) allDevices() []*Device {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Device, 0, len(g.devices))
	for _, d := range g.devices {
		out = append(out, d)
	}
	return out
}

// pairAttempt is a PairRemote awaiting its response.
type pairAttempt struct {
	device  *Device
	locator []byte
}

func (g *Grid) serve(nc net.Conn) {
	defer g.wg.Done()

	ch := channel.New(transport.Wrap(nc, transport.Options{Blocking: true}), 0)
	if !g.track(ch) {
		_ = ch.Close()
		return
	}
	defer func() {
		g.untrack(ch)
		_ = ch.Close()
	}()

	resp, err := channel.NewResponder(g.id, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = ch.Handshake(ctx, resp)
	cancel()
	if err != nil {
		return
	}

	client := ch.RemotePeer()
	pairs := make(map[uint32]pairAttempt)
	for {
		flag, payload, err := ch.Receive()
		if err != nil {
			return
		}
		switch flag {
		case channel.FlagPing:
			if err := ch.Send(channel.FlagPong, nil); err != nil {
				return
			}
			continue
		case channel.FlagClose:
			return
		case channel.FlagPong:
			continue
		}

		msg, err := grid.Decode(payload)
		if err != nil {
			return
		}
		g.requests.Add(1)
		if g.silent.Load() {
			continue
		}

		reply, err := g.handle(client, msg, pairs)
		if err != nil {
			return
		}
		if reply == nil {
			continue
		}
		if err := ch.Send(channel.FlagData, grid.Encode(reply)); err != nil {
			return
		}
	}
}

func (g *Grid) handle(client crypto.PeerID, msg grid.Message, pairs map[uint32]pairAttempt) (grid.Message, error) {
	switch m := msg.(type) {
	case *grid.ProtocolVersion:
		return g.version.Load(), nil

	case *grid.ConnectToPeer:
		return g.connect(client, m), nil

	case *grid.PairRemote:
		for _, d := range g.allDevices() {
			nonce, err := d.challenge(m.Locator)
			if err != nil {
				continue
			}
			pairs[m.ID] = pairAttempt{device: d, locator: append([]byte(nil), m.Locator...)}
			peer := d.PeerID()
			return &grid.PairingChallenge{ID: m.ID, PeerID: peer[:], Nonce: nonce}, nil
		}
		return &grid.PairingResult{ID: m.ID, Result: grid.PairFailed}, nil

	case *grid.PairingResponse:
		attempt, ok := pairs[m.ID]
		if !ok {
			return &grid.PairingResult{ID: m.ID, Result: grid.PairFailed}, nil
		}
		delete(pairs, m.ID)
		peer := attempt.device.PeerID()
		if err := attempt.device.verify(attempt.locator, client, m.Auth); err != nil {
			return &grid.PairingResult{ID: m.ID, Result: grid.PairFailed, PeerID: peer[:]}, nil
		}
		return &grid.PairingResult{ID: m.ID, Result: grid.PairOK, PeerID: peer[:]}, nil

	default:
		return nil, fmt.Errorf("unexpected %v from client", msg.Type())
	}
}

func (g *Grid) connect(client crypto.PeerID, m *grid.ConnectToPeer) *grid.PeerReply {
	reply := &grid.PeerReply{ID: m.ID}

	peer, err := crypto.ParsePeerID(m.PeerID)
	if err != nil {
		reply.Result = grid.PeerUnreachable
		return reply
	}
	d := g.device(peer)
	switch {
	case d == nil:
		reply.Result = grid.PeerUnreachable
	case d.Protocol() != m.Protocol:
		reply.Result = grid.PeerProtocolUnsupported
	case !d.Trusts(client):
		reply.Result = grid.PeerPairingRequired
	default:
		tunnel, err := g.relay.open(d)
		if err != nil {
			reply.Result = grid.PeerUnreachable
			return reply
		}
		reply.Result = grid.PeerOK
		reply.Relay = g.relay.Addr()
		reply.TunnelID = tunnel
	}
	return reply
}

// UnusedAddr returns a loopback multiaddr nothing listens on.
func UnusedAddr(tb testing.TB) multiaddr.Multiaddr {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("reserve port: %v", err)
	}
	addr, err := manet.FromNetAddr(ln.Addr())
	ln.Close()
	if err != nil {
		tb.Fatalf("convert address: %v", err)
	}
	return addr
}
