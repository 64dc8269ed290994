package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/pairing"
	"github.com/andersop91/opensdg/pkg/trust"
)

// Device is a peer reachable through a Grid. It accepts tunnels from
// initiators its trust store authorizes and echoes every data frame back.
type Device struct {
	id       *crypto.Identity
	protocol string
	trust    *trust.Store
	registry *pairing.Registry

	ignorePings atomic.Bool

	mu       sync.Mutex
	conns    map[*channel.Channel]struct{}
	sessions map[*channel.Channel]struct{}
	wg       sync.WaitGroup
	received [][]byte
}

// NewDevice creates a device speaking protocol with an empty trust store in
// a temporary directory.
func NewDevice(tb testing.TB, protocol string) *Device {
	tb.Helper()

	id, err := crypto.GenerateIdentity()
	if err != nil {
		tb.Fatalf("generate device identity: %v", err)
	}
	store, err := trust.Open(filepath.Join(tb.TempDir(), "trust.json"), nil)
	if err != nil {
		tb.Fatalf("open device trust store: %v", err)
	}

	d := &Device{
		id:       id,
		protocol: protocol,
		trust:    store,
		registry: pairing.NewRegistry(id, nil),
		conns:    make(map[*channel.Channel]struct{}),
		sessions: make(map[*channel.Channel]struct{}),
	}
	tb.Cleanup(d.Close)
	return d
}

// PeerID returns the device's peer id.
func (d *Device) PeerID() crypto.PeerID {
	return d.id.PeerID()
}

// Protocol returns the protocol the device speaks.
func (d *Device) Protocol() string {
	return d.protocol
}

// TrustStore returns the device's trust store.
func (d *Device) TrustStore() *trust.Store {
	return d.trust
}

// IssueOTP registers a fresh OTP valid for ttl.
func (d *Device) IssueOTP(ttl time.Duration) (string, error) {
	return d.registry.Issue(ttl)
}

// RegisterOTP registers a chosen OTP valid for ttl.
func (d *Device) RegisterOTP(otp string, ttl time.Duration) error {
	return d.registry.Register(otp, ttl)
}

// Trust adds peer to the device's trust store.
func (d *Device) Trust(peer crypto.PeerID) error {
	return d.trust.Trust(peer, "test", nil)
}

// Trusts reports whether the device accepts tunnels from peer.
func (d *Device) Trusts(peer crypto.PeerID) bool {
	return d.trust.IsTrusted(peer)
}

// SetIgnorePings makes the device stop answering pings.
func (d *Device) SetIgnorePings(ignore bool) {
	d.ignorePings.Store(ignore)
}

// Received returns copies of the data frames the device received.
func (d *Device) Received() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.received))
	copy(out, d.received)
	return out
}

// challenge issues a pairing nonce when locator names one of the device's
// OTPs.
func (d *Device) challenge(locator []byte) ([]byte, error) {
	return d.registry.Challenge(locator)
}

// verify checks a pairing response and trusts the initiator on success.
func (d *Device) verify(locator []byte, initiator crypto.PeerID, auth []byte) error {
	peer, err := d.registry.Verify(locator, initiator, auth)
	if err != nil {
		return err
	}
	return d.trust.RecordPairing(peer)
}

// accept hands a relayed connection to the device.
func (d *Device) accept(ch *channel.Channel) {
	d.mu.Lock()
	d.conns[ch] = struct{}{}
	d.mu.Unlock()

	d.wg.Add(1)
	go d.serve(ch)
}

// serve runs the responder handshake on ch and then the echo loop.
func (d *Device) serve(ch *channel.Channel) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		delete(d.conns, ch)
		d.mu.Unlock()
		_ = ch.Close()
	}()

	resp, err := channel.NewResponder(d.id, d.trust.Authorize)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = ch.Handshake(ctx, resp)
	cancel()
	if err != nil {
		return
	}

	d.mu.Lock()
	d.sessions[ch] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.sessions, ch)
		d.mu.Unlock()
	}()

	_ = d.trust.Touch(ch.RemotePeer())
	for {
		flag, payload, err := ch.Receive()
		if err != nil {
			return
		}
		switch flag {
		case channel.FlagData:
			d.mu.Lock()
			d.received = append(d.received, payload)
			d.mu.Unlock()
			if err := ch.Send(channel.FlagData, payload); err != nil {
				return
			}
		case channel.FlagPing:
			if d.ignorePings.Load() {
				continue
			}
			if err := ch.Send(channel.FlagPong, nil); err != nil {
				return
			}
		case channel.FlagClose:
			return
		}
	}
}

// CloseSessions sends a close frame on every established tunnel and drops
// it.
func (d *Device) CloseSessions() {
	d.mu.Lock()
	sessions := make([]*channel.Channel, 0, len(d.sessions))
	for ch := range d.sessions {
		sessions = append(sessions, ch)
	}
	d.mu.Unlock()

	for _, ch := range sessions {
		_ = ch.Send(channel.FlagClose, nil)
		_ = ch.Close()
	}
}

// InjectRaw writes pkt unmodified on every established tunnel. Tests use it
// to put forged or malformed packets on the wire.
func (d *Device) InjectRaw(pkt []byte) {
	d.mu.Lock()
	sessions := make([]*channel.Channel, 0, len(d.sessions))
	for ch := range d.sessions {
		sessions = append(sessions, ch)
	}
	d.mu.Unlock()

	for _, ch := range sessions {
		_ = ch.WritePacket(pkt)
	}
}

// Close drops every tunnel and releases the device.
func (d *Device) Close() {
	d.mu.Lock()
	for ch := range d.conns {
		_ = ch.Close()
	}
	d.mu.Unlock()
	d.wg.Wait()
	_ = d.trust.Close()
	d.id.Destroy()
}
