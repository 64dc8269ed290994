package channel

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/andersop91/opensdg/internal/handshake"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/wire"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Authorizer decides whether an authenticated initiator may open a session.
// A non-nil error rejects the handshake with ErrUnauthorized.
type Authorizer func(peer crypto.PeerID) error

// Responder is the server side of the handshake. It is used by the grid and
// relay stubs in tests and by devices that accept tunnels.
type Responder struct {
	id        *crypto.Identity
	authorize Authorizer
	tracker   *handshake.Tracker

	minuteKey [32]byte
	clientEph [32]byte
	ephPub    *[32]byte
	ephPriv   *[32]byte
	recv      wire.ShortNonce
	send      wire.ShortNonce
	session   *Session
}

// NewResponder creates a responder for id. A nil authorize accepts every
// initiator that proves its key.
func NewResponder(id *crypto.Identity, authorize Authorizer) (*Responder, error) {
	r := &Responder{
		id:        id,
		authorize: authorize,
		tracker:   handshake.NewTracker(),
	}
	if _, err := rand.Read(r.minuteKey[:]); err != nil {
		return nil, fmt.Errorf("read entropy: %w", err)
	}
	return r, nil
}

// Tracker returns the handshake progress tracker.
func (r *Responder) Tracker() *handshake.Tracker { return r.tracker }

// Done reports whether REDY has been sent.
func (r *Responder) Done() bool { return r.tracker.IsComplete() }

// Session returns the established session, or nil.
func (r *Responder) Session() *Session {
	if !r.Done() {
		return nil
	}
	return r.session
}

// Start returns nil; the initiator speaks first.
func (r *Responder) Start() ([]byte, error) { return nil, nil }

// Handle advances the handshake with a received packet.
func (r *Responder) Handle(p wire.Packet) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch p.Command {
	case wire.CmdTell:
		out, err = r.onTell()
	case wire.CmdHello:
		out, err = r.onHello(p.Body)
	case wire.CmdVouch:
		out, err = r.onVouch(p.Body)
	default:
		err = fmt.Errorf("%w: unexpected %v during handshake", ErrProtocolViolation, p.Command)
	}
	if err != nil {
		if !r.tracker.IsTerminal() {
			r.tracker.Fail(err)
		}
		r.wipe()
		return nil, err
	}
	return out, nil
}

func (r *Responder) wipe() {
	crypto.SecureZero(r.minuteKey[:])
	if r.ephPriv != nil {
		crypto.SecureZero(r.ephPriv[:])
	}
}

func (r *Responder) onTell() ([]byte, error) {
	if err := r.tracker.Transition(handshake.StateSentWelcome); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	pub := r.id.PublicKey()
	return wire.Encode(wire.CmdWelcome, pub[:])
}

func (r *Responder) onHello(body []byte) ([]byte, error) {
	if err := r.tracker.Expect(handshake.StateSentWelcome); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if len(body) != helloLen {
		return nil, fmt.Errorf("%w: HELO body of %d bytes", ErrProtocolViolation, len(body))
	}

	copy(r.clientEph[:], body[:crypto.KeySize])
	nonce, n, err := r.recv.Accept(wire.PrefixHello, body[crypto.KeySize:crypto.KeySize+wire.ShortNonceLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	priv, err := r.id.PrivateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.SecureZero(priv[:])
	privKey := [32]byte(priv)
	defer crypto.SecureZero(privKey[:])

	zeros, ok := box.Open(nil, body[crypto.KeySize+wire.ShortNonceLen:], &nonce, &r.clientEph, &privKey)
	if !ok || subtle.ConstantTimeCompare(zeros, make([]byte, helloZeros)) != 1 {
		return nil, fmt.Errorf("%w: cannot open HELO", ErrAuthenticationFailed)
	}
	r.recv.Commit(n)

	r.ephPub, r.ephPriv, err = box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	// The cookie lets the initiator hand the responder's ephemeral secret
	// back in VOCH, sealed under a key only the responder knows.
	n2, err := wire.NewLongNonce()
	if err != nil {
		return nil, err
	}
	cNonce := n2.WithPrefix(wire.PrefixMinuteKey)
	cookiePlain := make([]byte, 0, crypto.KeySize*2)
	cookiePlain = append(cookiePlain, r.clientEph[:]...)
	cookiePlain = append(cookiePlain, r.ephPriv[:]...)
	cookie := make([]byte, 0, cookieBlob)
	cookie = append(cookie, n2[:]...)
	cookie = secretbox.Seal(cookie, cookiePlain, &cNonce, &r.minuteKey)
	crypto.SecureZero(cookiePlain)

	plain := make([]byte, 0, crypto.KeySize+cookieBlob)
	plain = append(plain, r.ephPub[:]...)
	plain = append(plain, cookie...)

	ln, err := wire.NewLongNonce()
	if err != nil {
		return nil, err
	}
	kNonce := ln.WithPrefix(wire.PrefixCookie)
	out := make([]byte, 0, cookieBody)
	out = append(out, ln[:]...)
	out = box.Seal(out, plain, &kNonce, &r.clientEph, &privKey)

	if err := r.tracker.Transition(handshake.StateSentCookie); err != nil {
		return nil, err
	}
	return wire.Encode(wire.CmdCookie, out)
}

func (r *Responder) onVouch(body []byte) ([]byte, error) {
	if err := r.tracker.Expect(handshake.StateSentCookie); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if len(body) != vouchBody {
		return nil, fmt.Errorf("%w: VOCH body of %d bytes", ErrProtocolViolation, len(body))
	}

	cookie := body[:cookieBlob]
	n2, err := wire.ReadLongNonce(cookie[:wire.LongNonceLen])
	if err != nil {
		return nil, err
	}
	cNonce := n2.WithPrefix(wire.PrefixMinuteKey)
	state, ok := secretbox.Open(nil, cookie[wire.LongNonceLen:], &cNonce, &r.minuteKey)
	if !ok {
		return nil, fmt.Errorf("%w: bad cookie", ErrAuthenticationFailed)
	}
	defer crypto.SecureZero(state)
	if subtle.ConstantTimeCompare(state[:crypto.KeySize], r.clientEph[:]) != 1 {
		return nil, fmt.Errorf("%w: cookie for another session", ErrAuthenticationFailed)
	}
	var ephSecret [32]byte
	copy(ephSecret[:], state[crypto.KeySize:])
	defer crypto.SecureZero(ephSecret[:])

	rest := body[cookieBlob:]
	nonce, n, err := r.recv.Accept(wire.PrefixInitiate, rest[:wire.ShortNonceLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	inner, ok := box.Open(nil, rest[wire.ShortNonceLen:], &nonce, &r.clientEph, &ephSecret)
	if !ok {
		return nil, fmt.Errorf("%w: cannot open VOCH", ErrAuthenticationFailed)
	}
	r.recv.Commit(n)

	var clientKey [32]byte
	copy(clientKey[:], inner[:crypto.KeySize])
	v, err := wire.ReadLongNonce(inner[crypto.KeySize : crypto.KeySize+wire.LongNonceLen])
	if err != nil {
		return nil, err
	}
	vNonce := v.WithPrefix(wire.PrefixVouch)

	priv, err := r.id.PrivateKey()
	if err != nil {
		return nil, err
	}
	defer crypto.SecureZero(priv[:])
	privKey := [32]byte(priv)
	defer crypto.SecureZero(privKey[:])

	vouched, ok := box.Open(nil, inner[crypto.KeySize+wire.LongNonceLen:], &vNonce, &clientKey, &privKey)
	if !ok || subtle.ConstantTimeCompare(vouched, r.clientEph[:]) != 1 {
		return nil, fmt.Errorf("%w: vouch does not match", ErrAuthenticationFailed)
	}

	peer := crypto.PeerID(clientKey)
	if r.authorize != nil {
		if err := r.authorize(peer); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnauthorized, peer.ShortString(), err)
		}
	}

	var key [32]byte
	box.Precompute(&key, &r.clientEph, &ephSecret)
	defer crypto.SecureZero(key[:])

	rNonce, short, err := r.send.Next(wire.PrefixReady)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, readyBody)
	out = append(out, short[:]...)
	out = box.SealAfterPrecomputation(out, nil, &rNonce, &key)

	r.session = newSession(&key, false, r.send, r.recv, peer)
	r.wipe()

	if err := r.tracker.Transition(handshake.StateComplete); err != nil {
		return nil, err
	}
	return wire.Encode(wire.CmdReady, out)
}
