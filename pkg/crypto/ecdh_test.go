package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestComputeSharedSecret_Symmetric(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	ab, err := a.SharedSecret(b.PublicKey())
	if err != nil {
		t.Fatalf("a->b failed: %v", err)
	}
	ba, err := b.SharedSecret(a.PublicKey())
	if err != nil {
		t.Fatalf("b->a failed: %v", err)
	}

	if !bytes.Equal(ab, ba) {
		t.Error("shared secrets differ")
	}
}

func TestComputeSharedSecret_InvalidSizes(t *testing.T) {
	tests := []struct {
		name   string
		local  []byte
		remote []byte
	}{
		{"short private", make([]byte, 16), make([]byte, KeySize)},
		{"short public", make([]byte, KeySize), make([]byte, 31)},
		{"nil both", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ComputeSharedSecret(tt.local, tt.remote); !errors.Is(err, ErrInvalidKey) {
				t.Errorf("err = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestComputeSharedSecret_LowOrderPoint(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	// The all-zero point has order 1.
	_, err = id.SharedSecret(PublicKey{})
	if !errors.Is(err, ErrWeakPublicKey) {
		t.Errorf("err = %v, want ErrWeakPublicKey", err)
	}
}

func TestDeriveKey(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)

	k1, err := DeriveKey(secret, []byte("salt"), "info-a")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey(secret, []byte("salt"), "info-a")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k3, err := DeriveKey(secret, []byte("salt"), "info-b")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k4, err := DeriveKey(secret, []byte("other"), "info-a")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	if len(k1) != DerivedKeySize {
		t.Errorf("key size = %d, want %d", len(k1), DerivedKeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("DeriveKey is not deterministic")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different info produced the same key")
	}
	if bytes.Equal(k1, k4) {
		t.Error("different salt produced the same key")
	}
}

func TestDeriveSharedKey_BothSidesAgree(t *testing.T) {
	a, _ := GenerateIdentity()
	b, _ := GenerateIdentity()
	aPriv, _ := a.PrivateKey()
	bPriv, _ := b.PrivateKey()
	aPub, bPub := a.PublicKey(), b.PublicKey()

	ka, err := DeriveSharedKey(aPriv[:], bPub[:], []byte("n"), "ctx")
	if err != nil {
		t.Fatalf("DeriveSharedKey failed: %v", err)
	}
	kb, err := DeriveSharedKey(bPriv[:], aPub[:], []byte("n"), "ctx")
	if err != nil {
		t.Fatalf("DeriveSharedKey failed: %v", err)
	}
	if !bytes.Equal(ka, kb) {
		t.Error("derived keys differ")
	}
}
