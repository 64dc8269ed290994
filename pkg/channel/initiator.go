package channel

import (
	"crypto/rand"
	"fmt"

	"github.com/andersop91/opensdg/internal/handshake"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/wire"
	"golang.org/x/crypto/nacl/box"
)

// Handshake body sizes.
const (
	helloZeros  = 64
	helloLen    = crypto.KeySize + wire.ShortNonceLen + helloZeros + box.Overhead
	cookieBlob  = wire.LongNonceLen + crypto.KeySize*2 + box.Overhead
	cookieBody  = wire.LongNonceLen + crypto.KeySize + cookieBlob + box.Overhead
	vouchInner  = crypto.KeySize + box.Overhead
	vouchPlain  = crypto.KeySize + wire.LongNonceLen + vouchInner
	vouchBody   = cookieBlob + wire.ShortNonceLen + vouchPlain + box.Overhead
	readyBody   = wire.ShortNonceLen + box.Overhead
	welcomeBody = crypto.KeySize
)

// Handshaker drives one side of the channel handshake. Packets are fed in
// with Handle; every returned slice is a complete packet to be written.
type Handshaker interface {
	// Start returns the opening packet, or nil when the other side speaks
	// first.
	Start() ([]byte, error)

	// Handle processes one received handshake packet.
	Handle(p wire.Packet) ([]byte, error)

	// Done reports whether the session is established.
	Done() bool

	// Session returns the established session, or nil.
	Session() *Session

	// Tracker exposes the handshake progress.
	Tracker() *handshake.Tracker
}

// Initiator is the client side of the handshake. It learns the responder's
// long-term key from WELC, or checks it against a pinned peer id.
type Initiator struct {
	id       *crypto.Identity
	expected *crypto.PeerID
	tracker  *handshake.Tracker

	server  crypto.PublicKey
	ephPub  *[32]byte
	ephPriv *[32]byte
	nonce   wire.ShortNonce
	session *Session
}

// NewInitiator creates an initiator for id. When expected is non-nil the
// responder must present exactly that key.
func NewInitiator(id *crypto.Identity, expected *crypto.PeerID) *Initiator {
	return &Initiator{
		id:       id,
		expected: expected,
		tracker:  handshake.NewTracker(),
	}
}

// Tracker returns the handshake progress tracker.
func (h *Initiator) Tracker() *handshake.Tracker { return h.tracker }

// Done reports whether REDY has been accepted.
func (h *Initiator) Done() bool { return h.tracker.IsComplete() }

// Session returns the established session, or nil before REDY.
func (h *Initiator) Session() *Session {
	if !h.Done() {
		return nil
	}
	return h.session
}

// Start emits TELL.
func (h *Initiator) Start() ([]byte, error) {
	if err := h.tracker.Transition(handshake.StateSentTell); err != nil {
		return nil, err
	}
	return wire.MustEncode(wire.CmdTell, nil), nil
}

// Handle advances the handshake with a received packet.
func (h *Initiator) Handle(p wire.Packet) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch p.Command {
	case wire.CmdWelcome:
		out, err = h.onWelcome(p.Body)
	case wire.CmdCookie:
		out, err = h.onCookie(p.Body)
	case wire.CmdReady:
		err = h.onReady(p.Body)
	default:
		err = fmt.Errorf("%w: unexpected %v during handshake", ErrProtocolViolation, p.Command)
	}
	if err != nil {
		h.fail(err)
		return nil, err
	}
	return out, nil
}

func (h *Initiator) fail(err error) {
	if !h.tracker.IsTerminal() {
		h.tracker.Fail(err)
	}
	h.wipe()
}

func (h *Initiator) wipe() {
	if h.ephPriv != nil {
		crypto.SecureZero(h.ephPriv[:])
	}
}

func (h *Initiator) onWelcome(body []byte) ([]byte, error) {
	if err := h.tracker.Expect(handshake.StateSentTell); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if len(body) != welcomeBody {
		return nil, fmt.Errorf("%w: WELC body of %d bytes", ErrProtocolViolation, len(body))
	}

	copy(h.server[:], body)
	if h.expected != nil && crypto.DerivePeerID(h.server) != *h.expected {
		return nil, fmt.Errorf("%w: responder key %s, want %s",
			ErrAuthenticationFailed, crypto.DerivePeerID(h.server).ShortString(), h.expected.ShortString())
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	h.ephPub, h.ephPriv = pub, priv

	nonce, short, err := h.nonce.Next(wire.PrefixHello)
	if err != nil {
		return nil, err
	}

	serverKey := [32]byte(h.server)
	body = make([]byte, 0, helloLen)
	body = append(body, h.ephPub[:]...)
	body = append(body, short[:]...)
	body = box.Seal(body, make([]byte, helloZeros), &nonce, &serverKey, h.ephPriv)

	if err := h.tracker.Transition(handshake.StateSentHello); err != nil {
		return nil, err
	}
	return wire.Encode(wire.CmdHello, body)
}

func (h *Initiator) onCookie(body []byte) ([]byte, error) {
	if err := h.tracker.Expect(handshake.StateSentHello); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if len(body) != cookieBody {
		return nil, fmt.Errorf("%w: COOK body of %d bytes", ErrProtocolViolation, len(body))
	}

	n, err := wire.ReadLongNonce(body[:wire.LongNonceLen])
	if err != nil {
		return nil, err
	}
	nonce := n.WithPrefix(wire.PrefixCookie)
	serverKey := [32]byte(h.server)
	plain, ok := box.Open(nil, body[wire.LongNonceLen:], &nonce, &serverKey, h.ephPriv)
	if !ok {
		return nil, fmt.Errorf("%w: cannot open COOK", ErrAuthenticationFailed)
	}

	var serverEph [32]byte
	copy(serverEph[:], plain[:crypto.KeySize])
	cookie := plain[crypto.KeySize:]

	// Vouch: prove the long-term key by boxing the ephemeral key to the
	// responder's long-term key.
	priv, err := h.id.PrivateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.SecureZero(priv[:])
	privKey := [32]byte(priv)
	defer crypto.SecureZero(privKey[:])

	v, err := wire.NewLongNonce()
	if err != nil {
		return nil, err
	}
	vNonce := v.WithPrefix(wire.PrefixVouch)
	vouch := box.Seal(nil, h.ephPub[:], &vNonce, &serverKey, &privKey)

	pub := h.id.PublicKey()
	inner := make([]byte, 0, vouchPlain)
	inner = append(inner, pub[:]...)
	inner = append(inner, v[:]...)
	inner = append(inner, vouch...)

	iNonce, short, err := h.nonce.Next(wire.PrefixInitiate)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, vouchBody)
	out = append(out, cookie...)
	out = append(out, short[:]...)
	out = box.Seal(out, inner, &iNonce, &serverEph, h.ephPriv)

	var key [32]byte
	box.Precompute(&key, &serverEph, h.ephPriv)
	h.session = newSession(&key, true, h.nonce, wire.ShortNonce{}, crypto.DerivePeerID(h.server))
	crypto.SecureZero(key[:])

	if err := h.tracker.Transition(handshake.StateSentVouch); err != nil {
		return nil, err
	}
	return wire.Encode(wire.CmdVouch, out)
}

func (h *Initiator) onReady(body []byte) error {
	if err := h.tracker.Expect(handshake.StateSentVouch); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if len(body) != readyBody {
		return fmt.Errorf("%w: REDY body of %d bytes", ErrProtocolViolation, len(body))
	}

	nonce, n, err := h.session.recv.Accept(wire.PrefixReady, body[:wire.ShortNonceLen])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if _, ok := box.OpenAfterPrecomputation(nil, body[wire.ShortNonceLen:], &nonce, &h.session.key); !ok {
		return fmt.Errorf("%w: cannot open REDY", ErrAuthenticationFailed)
	}
	h.session.recv.Commit(n)

	h.wipe()
	return h.tracker.Transition(handshake.StateComplete)
}
