// Package crypto provides the identity and key-exchange primitives used by
// OpenSDG connections: Curve25519 key pairs, peer ids, Ed25519 key import,
// ECDH shared secrets and HKDF key derivation.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// KeySize is the size of Curve25519 public and private keys in bytes.
	KeySize = 32
)

// Ed25519PrivateToCurve25519 converts an Ed25519 private key to a Curve25519
// private key, so an existing signing identity can be reused as a grid
// identity:
// 1. Hash the Ed25519 seed (first 32 bytes of private key) with SHA-512
// 2. Take the first 32 bytes and apply X25519 clamping
func Ed25519PrivateToCurve25519(edPriv ed25519.PrivateKey) ([]byte, error) {
	if len(edPriv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: expected %d byte Ed25519 key, got %d",
			ErrInvalidKey, ed25519.PrivateKeySize, len(edPriv))
	}

	h := sha512.Sum512(edPriv[:ed25519.SeedSize])
	defer SecureZero(h[:])

	priv := make([]byte, KeySize)
	copy(priv, h[:KeySize])
	clamp(priv)

	return priv, nil
}

// Ed25519PublicToCurve25519 converts an Ed25519 public key to the equivalent
// Curve25519 public key (Montgomery u-coordinate).
// The result matches CalcPublicKey of the converted private key.
func Ed25519PublicToCurve25519(edPub ed25519.PublicKey) (PublicKey, error) {
	var pub PublicKey
	if len(edPub) != ed25519.PublicKeySize {
		return pub, fmt.Errorf("%w: expected %d byte Ed25519 key, got %d",
			ErrInvalidKey, ed25519.PublicKeySize, len(edPub))
	}

	point, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return pub, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	copy(pub[:], point.BytesMontgomery())
	return pub, nil
}

// clamp applies the standard X25519 clamping to a 32-byte scalar.
func clamp(k []byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// isZero reports whether b contains only zero bytes, in constant time
// with respect to the contents.
func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
