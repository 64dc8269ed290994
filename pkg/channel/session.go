// Package channel implements the OpenSDG secure channel: a CurveCP-style
// handshake that authenticates both long-term keys, followed by a session
// of counter-nonce NaCl boxes carried in MESG packets.
package channel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/wire"
	"golang.org/x/crypto/nacl/box"
)

// Flag is the first plaintext byte of every frame.
type Flag byte

// Frame flags.
const (
	FlagData  Flag = 0
	FlagPing  Flag = 1
	FlagPong  Flag = 2
	FlagClose Flag = 3
)

// String returns a human-readable name for the flag.
func (f Flag) String() string {
	switch f {
	case FlagData:
		return "data"
	case FlagPing:
		return "ping"
	case FlagPong:
		return "pong"
	case FlagClose:
		return "close"
	default:
		return fmt.Sprintf("Flag(%d)", byte(f))
	}
}

// MaxPayloadSize is the largest application payload a single frame can
// carry: the packet body minus short nonce, box overhead and flag.
const MaxPayloadSize = wire.MaxBodySize - wire.ShortNonceLen - box.Overhead - 1

// Errors reported by channels and sessions.
var (
	// ErrAuthenticationFailed indicates the remote party could not prove
	// ownership of the expected key, or a handshake box failed to open.
	ErrAuthenticationFailed = errors.New("channel: authentication failed")

	// ErrUnauthorized indicates the responder refused the initiator's key.
	ErrUnauthorized = errors.New("channel: peer not authorized")

	// ErrHandshakeTimeout indicates the handshake did not finish in time.
	ErrHandshakeTimeout = errors.New("channel: handshake timeout")

	// ErrDecryptionFailed indicates a frame failed authentication or
	// arrived out of sequence.
	ErrDecryptionFailed = errors.New("channel: decryption failed")

	// ErrProtocolViolation indicates an unexpected command or a malformed
	// packet.
	ErrProtocolViolation = errors.New("channel: protocol violation")

	// ErrPayloadTooLarge indicates a payload above MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("channel: payload too large")

	// ErrNoSession indicates a frame operation before the handshake
	// completed.
	ErrNoSession = errors.New("channel: no session")
)

// Session encrypts and decrypts frames with a precomputed box key. Any
// failure to open a frame latches the session broken; every later frame is
// rejected with the same error.
//
// Seal and Open may run concurrently with each other, but concurrent Seals
// (or Opens) must be serialized by the caller.
type Session struct {
	key        [32]byte
	sendPrefix [16]byte
	recvPrefix [16]byte
	send       wire.ShortNonce
	recv       wire.ShortNonce
	remote     crypto.PeerID

	mu     sync.Mutex
	broken error
}

func newSession(key *[32]byte, initiator bool, send, recv wire.ShortNonce, remote crypto.PeerID) *Session {
	s := &Session{
		key:    *key,
		send:   send,
		recv:   recv,
		remote: remote,
	}
	if initiator {
		s.sendPrefix = wire.PrefixClientMessage
		s.recvPrefix = wire.PrefixServerMessage
	} else {
		s.sendPrefix = wire.PrefixServerMessage
		s.recvPrefix = wire.PrefixClientMessage
	}
	return s
}

// RemotePeer returns the authenticated peer id of the other side.
func (s *Session) RemotePeer() crypto.PeerID {
	return s.remote
}

// Seal encrypts a frame and returns the complete MESG packet.
func (s *Session) Seal(flag Flag, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if err := s.Broken(); err != nil {
		return nil, err
	}

	nonce, short, err := s.send.Next(s.sendPrefix)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, 1+len(payload))
	plain[0] = byte(flag)
	copy(plain[1:], payload)

	body := make([]byte, wire.ShortNonceLen, wire.ShortNonceLen+len(plain)+box.Overhead)
	copy(body, short[:])
	body = box.SealAfterPrecomputation(body, plain, &nonce, &s.key)

	return wire.Encode(wire.CmdMessage, body)
}

// Open authenticates and decrypts a MESG body.
func (s *Session) Open(body []byte) (Flag, []byte, error) {
	if err := s.Broken(); err != nil {
		return 0, nil, err
	}
	if len(body) < wire.ShortNonceLen+box.Overhead+1 {
		return 0, nil, s.fail(fmt.Errorf("%w: frame of %d bytes", ErrDecryptionFailed, len(body)))
	}

	nonce, n, err := s.recv.Accept(s.recvPrefix, body[:wire.ShortNonceLen])
	if err != nil {
		return 0, nil, s.fail(fmt.Errorf("%w: %v", ErrDecryptionFailed, err))
	}

	plain, ok := box.OpenAfterPrecomputation(nil, body[wire.ShortNonceLen:], &nonce, &s.key)
	if !ok {
		return 0, nil, s.fail(fmt.Errorf("%w: bad authenticator at nonce %d", ErrDecryptionFailed, n))
	}
	s.recv.Commit(n)

	return Flag(plain[0]), plain[1:], nil
}

// Broken returns the error that invalidated the session, or nil.
func (s *Session) Broken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken == nil {
		s.broken = err
	}
	return s.broken
}

// Destroy wipes the session key. The session cannot be used afterwards.
func (s *Session) Destroy() {
	crypto.SecureZero(s.key[:])
	s.fail(ErrNoSession)
}
