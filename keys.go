package opensdg

import (
	"github.com/andersop91/opensdg/pkg/crypto"
)

// CreatePrivateKey generates a random Curve25519 private key.
func CreatePrivateKey() (crypto.PrivateKey, error) {
	key, err := crypto.CreatePrivateKey()
	if err != nil {
		return crypto.PrivateKey{}, newError(ResultInvalidKey, "key generation failed", err)
	}
	return key, nil
}

// CalcPublicKey derives the public key of priv. A key of the wrong length,
// or one that is all zeroes, fails with ErrInvalidKey.
func CalcPublicKey(priv []byte) (crypto.PublicKey, error) {
	pub, err := crypto.CalcPublicKey(priv)
	if err != nil {
		return crypto.PublicKey{}, newError(ResultInvalidKey, "", err)
	}
	return pub, nil
}
