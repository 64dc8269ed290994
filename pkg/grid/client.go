package grid

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/benbjohnson/clock"
)

var (
	// ErrProtocolUnsupported indicates the grid speaks an incompatible
	// protocol version.
	ErrProtocolUnsupported = errors.New("grid: protocol unsupported")

	// ErrUnexpectedReply indicates a reply to no outstanding request, or of
	// the wrong type.
	ErrUnexpectedReply = errors.New("grid: unexpected reply")

	// ErrRequestTimeout indicates an outstanding request expired.
	ErrRequestTimeout = errors.New("grid: request timed out")
)

// CheckVersion validates the grid's ProtocolVersion against LocalVersion.
// Minor differences are accepted.
func CheckVersion(v *ProtocolVersion) error {
	if v.Magic != ProtocolMagic {
		return fmt.Errorf("%w: magic %08x", ErrProtocolUnsupported, v.Magic)
	}
	if v.Major != ProtocolMajor {
		return fmt.Errorf("%w: version %d.%d, want %d.x",
			ErrProtocolUnsupported, v.Major, v.Minor, ProtocolMajor)
	}
	return nil
}

// pending is an outstanding request.
type pending struct {
	kind     MessageType
	deadline time.Time
}

// Client tracks the requests sent to a grid and matches replies to them.
// It performs no I/O: callers send what it builds and feed it what they
// receive.
//
// Client is safe for concurrent use.
type Client struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	nextID  uint32
	pending map[uint32]pending
}

// NewClient creates a Client. Requests expire after timeout; zero disables
// expiry. A nil clock uses the real clock.
func NewClient(clk clock.Clock, timeout time.Duration) *Client {
	if clk == nil {
		clk = clock.New()
	}
	return &Client{
		clock:   clk,
		timeout: timeout,
		pending: make(map[uint32]pending),
	}
}

func (c *Client) track(kind MessageType) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	p := pending{kind: kind}
	if c.timeout > 0 {
		p.deadline = c.clock.Now().Add(c.timeout)
	}
	c.pending[c.nextID] = p
	return c.nextID
}

// VersionRequest returns the ProtocolVersion to send after the handshake.
func (c *Client) VersionRequest() *ProtocolVersion {
	return LocalVersion()
}

// ConnectRequest builds a ConnectToPeer request and starts tracking it.
func (c *Client) ConnectRequest(peer crypto.PeerID, protocol string) *ConnectToPeer {
	return &ConnectToPeer{
		ID:       c.track(TypeConnectToPeer),
		PeerID:   peer.String(),
		Protocol: protocol,
	}
}

// PairRequest builds a PairRemote request and starts tracking it. The same
// id carries the challenge, the response and the result.
func (c *Client) PairRequest(locator []byte) *PairRemote {
	return &PairRemote{
		ID:      c.track(TypePairRemote),
		Locator: append([]byte(nil), locator...),
	}
}

// PairResponse answers a challenge. The request stays outstanding until
// the PairingResult arrives, and its deadline is renewed.
func (c *Client) PairResponse(challenge *PairingChallenge, auth []byte) (*PairingResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[challenge.ID]
	if !ok || p.kind != TypePairRemote {
		return nil, fmt.Errorf("%w: challenge for request %d", ErrUnexpectedReply, challenge.ID)
	}
	if c.timeout > 0 {
		p.deadline = c.clock.Now().Add(c.timeout)
		c.pending[challenge.ID] = p
	}
	return &PairingResponse{ID: challenge.ID, Auth: append([]byte(nil), auth...)}, nil
}

// Dispatch matches a received reply to its request. Final replies (PeerReply,
// PairingResult) retire the request; a PairingChallenge keeps it open.
func (c *Client) Dispatch(m Message) error {
	r, ok := m.(Request)
	if !ok {
		return fmt.Errorf("%w: %v carries no request id", ErrUnexpectedReply, m.Type())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[r.RequestID()]
	if !ok {
		return fmt.Errorf("%w: %v for unknown request %d", ErrUnexpectedReply, m.Type(), r.RequestID())
	}

	switch m.Type() {
	case TypePeerReply:
		if p.kind != TypeConnectToPeer {
			return fmt.Errorf("%w: %v answering %v", ErrUnexpectedReply, m.Type(), p.kind)
		}
		delete(c.pending, r.RequestID())
	case TypePairingChallenge:
		if p.kind != TypePairRemote {
			return fmt.Errorf("%w: %v answering %v", ErrUnexpectedReply, m.Type(), p.kind)
		}
	case TypePairingResult:
		if p.kind != TypePairRemote {
			return fmt.Errorf("%w: %v answering %v", ErrUnexpectedReply, m.Type(), p.kind)
		}
		delete(c.pending, r.RequestID())
	default:
		return fmt.Errorf("%w: %v is not a reply", ErrUnexpectedReply, m.Type())
	}
	return nil
}

// Outstanding reports whether request id is still awaiting a reply.
func (c *Client) Outstanding(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Expire drops requests whose deadline passed and returns their ids.
func (c *Client) Expire() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var expired []uint32
	for id, p := range c.pending {
		if !p.deadline.IsZero() && !now.Before(p.deadline) {
			expired = append(expired, id)
			delete(c.pending, id)
		}
	}
	return expired
}

// Deadline returns the deadline of request id, or the zero time.
func (c *Client) Deadline(id uint32) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id].deadline
}

// Cancel stops tracking request id.
func (c *Client) Cancel(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Reset drops every outstanding request, for example when the grid session
// fails.
func (c *Client) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.pending = make(map[uint32]pending)
	return n
}
