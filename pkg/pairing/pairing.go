// Package pairing implements OTP-based trust bootstrap between two peers
// that have never met.
//
// The responder registers the BLAKE2b locator of an OTP with the grid. The
// initiator, given the same OTP out of band, looks the responder up by
// locator and proves knowledge of the OTP with an auth value bound to both
// long-term keys and a responder nonce:
//
//	secret = X25519(own private, remote public)
//	key    = HKDF-SHA256(secret, salt = nonce, info = "opensdg-v1-pairing")
//	auth   = BLAKE2b-256(key, otp || initiator public || responder public)
package pairing

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/andersop91/opensdg/pkg/crypto"
	"golang.org/x/crypto/blake2b"
)

const (
	// LocatorSize is the length of an OTP locator.
	LocatorSize = 16

	// NonceSize is the length of a responder challenge nonce.
	NonceSize = 32

	// AuthSize is the length of the auth value.
	AuthSize = 32

	keyInfo    = "opensdg-v1-pairing"
	locatorKey = "opensdg-otp-locator"
)

var (
	// ErrInvalidOTP indicates an empty or malformed OTP.
	ErrInvalidOTP = errors.New("pairing: invalid otp")

	// ErrAuthMismatch indicates the initiator's proof did not verify.
	ErrAuthMismatch = errors.New("pairing: auth mismatch")

	// ErrInvalidChallenge indicates a challenge with a bad peer id or nonce.
	ErrInvalidChallenge = errors.New("pairing: invalid challenge")

	// ErrSessionClosed indicates use of a destroyed Session.
	ErrSessionClosed = errors.New("pairing: session closed")
)

// Locator returns the lookup handle the grid uses for otp.
func Locator(otp string) []byte {
	h, err := blake2b.New(LocatorSize, []byte(locatorKey))
	if err != nil {
		// Only reachable with an invalid size or key length.
		panic(err)
	}
	h.Write([]byte(otp))
	return h.Sum(nil)
}

// ComputeAuth derives the auth value from the X25519 secret between the two
// parties. Both sides compute the same value.
func ComputeAuth(secret, nonce []byte, otp string, initiator, responder crypto.PublicKey) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce of %d bytes", ErrInvalidChallenge, len(nonce))
	}

	key, err := crypto.DeriveKey(secret, nonce, keyInfo)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureZero(key)

	mac, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	mac.Write([]byte(otp))
	mac.Write(initiator[:])
	mac.Write(responder[:])
	return mac.Sum(nil), nil
}

// Session is the initiator side of one pairing attempt. It holds the OTP
// until Destroy.
//
// Session is safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	id     *crypto.Identity
	otp    []byte
	peer   crypto.PeerID
	closed bool
}

// NewSession starts a pairing attempt for id with the given OTP.
func NewSession(id *crypto.Identity, otp string) (*Session, error) {
	if otp == "" {
		return nil, ErrInvalidOTP
	}
	return &Session{id: id, otp: []byte(otp)}, nil
}

// Locator returns the locator to send in PairRemote.
func (s *Session) Locator() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Locator(string(s.otp))
}

// Respond answers the responder's challenge and remembers its peer id.
func (s *Session) Respond(peerID, nonce []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	peer, err := crypto.PeerIDFromBytes(peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}

	secret, err := s.id.SharedSecret(peer.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChallenge, err)
	}
	defer crypto.SecureZero(secret)

	auth, err := ComputeAuth(secret, nonce, string(s.otp), s.id.PublicKey(), peer.PublicKey())
	if err != nil {
		return nil, err
	}
	s.peer = peer
	return auth, nil
}

// Peer returns the responder's peer id once a challenge has been answered.
func (s *Session) Peer() crypto.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Destroy wipes the OTP. It is idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.SecureZero(s.otp)
	s.otp = nil
	s.closed = true
}

// verifyAuth checks an initiator's proof on the responder side.
func verifyAuth(id *crypto.Identity, otp string, nonce []byte, initiator crypto.PublicKey, auth []byte) error {
	secret, err := id.SharedSecret(initiator)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthMismatch, err)
	}
	defer crypto.SecureZero(secret)

	want, err := ComputeAuth(secret, nonce, otp, initiator, id.PublicKey())
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, auth) != 1 {
		return ErrAuthMismatch
	}
	return nil
}
