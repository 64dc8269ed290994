package crypto

import (
	"testing"
)

func TestSecureZero(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty slice", 0},
		{"single byte", 1},
		{"32-byte key", 32},
		{"receive buffer", 1536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i%255 + 1)
			}

			SecureZero(data)

			for i, b := range data {
				if b != 0 {
					t.Fatalf("byte %d = %d, want 0", i, b)
				}
			}
		})
	}
}

func TestSecureZero_Nil(t *testing.T) {
	SecureZero(nil)
}

func TestSecureZeroMultiple(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}

	SecureZeroMultiple(a, nil, b)

	for _, s := range [][]byte{a, b} {
		for i, v := range s {
			if v != 0 {
				t.Errorf("byte %d = %d, want 0", i, v)
			}
		}
	}
}
