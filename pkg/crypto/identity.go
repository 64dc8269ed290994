package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/curve25519"
)

var (
	// ErrInvalidKey indicates key material of the wrong size or a degenerate
	// (all-zero) scalar.
	ErrInvalidKey = errors.New("invalid key")

	// ErrWeakPublicKey indicates a remote public key that yields an all-zero
	// shared secret (low-order point).
	ErrWeakPublicKey = errors.New("weak public key")

	// ErrInvalidPeerID indicates a peer id string or byte slice that does not
	// encode exactly one public key.
	ErrInvalidPeerID = errors.New("invalid peer id")

	// ErrIdentityDestroyed indicates use of an Identity after Destroy.
	ErrIdentityDestroyed = errors.New("identity destroyed")
)

// PrivateKey is a raw Curve25519 private key.
type PrivateKey [KeySize]byte

// PublicKey is a raw Curve25519 public key.
type PublicKey [KeySize]byte

// PeerID is the rendezvous handle of a party on the grid. The deployed
// ecosystem uses the raw public key as the peer id.
type PeerID [KeySize]byte

// String returns the lowercase hex form used by the grid protocol.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns the first 8 hex characters, for logs.
func (id PeerID) ShortString() string {
	return id.String()[:8]
}

// IsZero reports whether the peer id is unset.
func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// PublicKey returns the public key the peer id stands for.
func (id PeerID) PublicKey() PublicKey {
	return PublicKey(id)
}

// ParsePeerID parses a hex-encoded peer id.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return PeerIDFromBytes(raw)
}

// PeerIDFromBytes copies a 32-byte peer id.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != KeySize {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPeerID, KeySize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// CreatePrivateKey generates a fresh private key from the system entropy
// source. An error here means the entropy source is broken.
func CreatePrivateKey() (PrivateKey, error) {
	var k PrivateKey
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("read entropy: %w", err)
	}
	clamp(k[:])
	return k, nil
}

// CalcPublicKey derives the public key for a private key.
// It fails with ErrInvalidKey for input that is not 32 bytes or is all zeros.
func CalcPublicKey(priv []byte) (PublicKey, error) {
	var pub PublicKey
	if len(priv) != KeySize {
		return pub, fmt.Errorf("%w: private key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(priv))
	}
	if isZero(priv) {
		return pub, fmt.Errorf("%w: private key is all zeros", ErrInvalidKey)
	}

	out, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	copy(pub[:], out)
	return pub, nil
}

// DerivePeerID maps a public key to its peer id.
func DerivePeerID(pub PublicKey) PeerID {
	return PeerID(pub)
}

// Identity is an immutable key pair together with its peer id.
// It may be shared read-only between connections.
//
// Identity is safe for concurrent use.
type Identity struct {
	mu        sync.RWMutex
	private   PrivateKey
	public    PublicKey
	destroyed bool
}

// NewIdentity builds an Identity from caller-supplied private key bytes.
// The input slice is copied; the caller keeps ownership of it.
func NewIdentity(priv []byte) (*Identity, error) {
	pub, err := CalcPublicKey(priv)
	if err != nil {
		return nil, err
	}

	id := &Identity{public: pub}
	copy(id.private[:], priv)
	return id, nil
}

// GenerateIdentity creates an Identity with a fresh private key.
func GenerateIdentity() (*Identity, error) {
	k, err := CreatePrivateKey()
	if err != nil {
		return nil, err
	}
	defer SecureZero(k[:])
	return NewIdentity(k[:])
}

// IdentityFromEd25519 converts an Ed25519 signing key into an Identity.
func IdentityFromEd25519(edPriv ed25519.PrivateKey) (*Identity, error) {
	priv, err := Ed25519PrivateToCurve25519(edPriv)
	if err != nil {
		return nil, err
	}
	defer SecureZero(priv)
	return NewIdentity(priv)
}

// PublicKey returns the public key.
func (id *Identity) PublicKey() PublicKey {
	return id.public
}

// PeerID returns the peer id.
func (id *Identity) PeerID() PeerID {
	return DerivePeerID(id.public)
}

// PrivateKey returns a copy of the private key.
func (id *Identity) PrivateKey() (PrivateKey, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if id.destroyed {
		return PrivateKey{}, ErrIdentityDestroyed
	}
	return id.private, nil
}

// SharedSecret computes the raw X25519 secret with a remote public key.
// The caller owns the result and should wipe it with SecureZero.
func (id *Identity) SharedSecret(remote PublicKey) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()

	if id.destroyed {
		return nil, ErrIdentityDestroyed
	}
	return ComputeSharedSecret(id.private[:], remote[:])
}

// Destroy wipes the private key. Subsequent key operations fail with
// ErrIdentityDestroyed. Destroy is idempotent.
func (id *Identity) Destroy() {
	id.mu.Lock()
	defer id.mu.Unlock()

	SecureZero(id.private[:])
	id.destroyed = true
}

// IsDestroyed reports whether Destroy has been called.
func (id *Identity) IsDestroyed() bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.destroyed
}
