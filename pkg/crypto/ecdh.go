package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DerivedKeySize is the size of keys produced by DeriveKey.
const DerivedKeySize = 32

// ComputeSharedSecret performs X25519 to compute a raw shared secret.
// The result should not be used directly as a key; feed it to DeriveKey.
func ComputeSharedSecret(localPrivate, remotePublic []byte) ([]byte, error) {
	if len(localPrivate) != KeySize {
		return nil, fmt.Errorf("%w: private key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(localPrivate))
	}
	if len(remotePublic) != KeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d",
			ErrInvalidKey, KeySize, len(remotePublic))
	}

	secret, err := curve25519.X25519(localPrivate, remotePublic)
	if err != nil {
		// x/crypto rejects low-order points with an all-zero output error
		return nil, fmt.Errorf("%w: %v", ErrWeakPublicKey, err)
	}
	if isZero(secret) {
		return nil, ErrWeakPublicKey
	}

	return secret, nil
}

// DeriveKey expands a shared secret into a DerivedKeySize key using
// HKDF-SHA256 with the given salt and context string.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))

	key := make([]byte, DerivedKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// DeriveSharedKey computes the X25519 secret between the two keys and
// expands it with DeriveKey. The raw secret is wiped before returning.
func DeriveSharedKey(localPrivate, remotePublic, salt []byte, info string) ([]byte, error) {
	secret, err := ComputeSharedSecret(localPrivate, remotePublic)
	if err != nil {
		return nil, err
	}
	defer SecureZero(secret)

	return DeriveKey(secret, salt, info)
}
