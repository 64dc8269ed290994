package wire

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ShortNonceLen is the length of a counter nonce on the wire.
	ShortNonceLen = 8

	// LongNonceLen is the length of a random nonce on the wire.
	LongNonceLen = 16

	// NonceLen is the full NaCl nonce length.
	NonceLen = 24
)

// Nonce prefixes. Short-nonce prefixes are 16 bytes, long-nonce prefixes 8.
var (
	PrefixHello         = [16]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', '-', 'c', 'l', 'i', 'e', 'n', 't', '-', 'H'}
	PrefixInitiate      = [16]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', '-', 'c', 'l', 'i', 'e', 'n', 't', '-', 'I'}
	PrefixReady         = [16]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', '-', 's', 'e', 'r', 'v', 'e', 'r', '-', 'R'}
	PrefixClientMessage = [16]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', '-', 'c', 'l', 'i', 'e', 'n', 't', '-', 'M'}
	PrefixServerMessage = [16]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', '-', 's', 'e', 'r', 'v', 'e', 'r', '-', 'M'}

	PrefixCookie    = [8]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', 'K'}
	PrefixVouch     = [8]byte{'C', 'u', 'r', 'v', 'e', 'C', 'P', 'V'}
	PrefixMinuteKey = [8]byte{'m', 'i', 'n', 'u', 't', 'e', '-', 'k'}
)

// ErrNonceOverflow is returned when a counter nonce would wrap around.
var ErrNonceOverflow = errors.New("wire: nonce overflow")

// ErrNonceOutOfOrder is returned when a received counter nonce is not the
// immediate successor of the previous one.
var ErrNonceOutOfOrder = errors.New("wire: nonce out of order")

// ShortNonce is a per-direction 64-bit counter. The zero value is ready to
// use; the first nonce produced by Next is 1.
type ShortNonce struct {
	counter uint64
}

// Next bumps the counter and returns the full nonce with the given prefix
// together with the 8 bytes that go on the wire.
func (s *ShortNonce) Next(prefix [16]byte) ([NonceLen]byte, [ShortNonceLen]byte, error) {
	var full [NonceLen]byte
	var short [ShortNonceLen]byte

	if s.counter == ^uint64(0) {
		return full, short, ErrNonceOverflow
	}
	s.counter++

	copy(full[:], prefix[:])
	binary.BigEndian.PutUint64(full[16:], s.counter)
	binary.BigEndian.PutUint64(short[:], s.counter)
	return full, short, nil
}

// Value returns the last counter value produced or accepted.
func (s *ShortNonce) Value() uint64 {
	return s.counter
}

// Accept checks that the received short nonce is exactly one more than the
// last accepted value, and returns the full nonce. The counter only advances
// when the caller reports success through Commit.
func (s *ShortNonce) Accept(prefix [16]byte, wireNonce []byte) ([NonceLen]byte, uint64, error) {
	var full [NonceLen]byte
	if len(wireNonce) != ShortNonceLen {
		return full, 0, fmt.Errorf("%w: short nonce length %d", ErrBadBody, len(wireNonce))
	}

	n := binary.BigEndian.Uint64(wireNonce)
	if n != s.counter+1 {
		return full, n, fmt.Errorf("%w: got %d, want %d", ErrNonceOutOfOrder, n, s.counter+1)
	}

	copy(full[:], prefix[:])
	copy(full[16:], wireNonce)
	return full, n, nil
}

// Commit records n as the last accepted nonce.
func (s *ShortNonce) Commit(n uint64) {
	s.counter = n
}

// LongNonce is a random 16-byte nonce.
type LongNonce [LongNonceLen]byte

// NewLongNonce returns a fresh random long nonce.
func NewLongNonce() (LongNonce, error) {
	var n LongNonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, fmt.Errorf("read entropy: %w", err)
	}
	return n, nil
}

// ReadLongNonce copies a long nonce from the wire.
func ReadLongNonce(b []byte) (LongNonce, error) {
	var n LongNonce
	if len(b) != LongNonceLen {
		return n, fmt.Errorf("%w: long nonce length %d", ErrBadBody, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// WithPrefix returns the full nonce for the given 8-byte prefix.
func (n LongNonce) WithPrefix(prefix [8]byte) [NonceLen]byte {
	var full [NonceLen]byte
	copy(full[:8], prefix[:])
	copy(full[8:], n[:])
	return full
}
