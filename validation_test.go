package opensdg

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateProtocolName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "dominion-1.0", false},
		{"single char", "a", false},
		{"punctuation", "app/v2:beta_1", false},
		{"max length", strings.Repeat("p", MaxProtocolNameLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("p", MaxProtocolNameLength+1), true},
		{"space", "my app", true},
		{"control", "app\x00", true},
		{"non-ascii", "appé", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProtocolName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateProtocolName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
			if err != nil && ResultOf(err) != ResultInvalidArgument {
				t.Errorf("ResultOf = %v, want ResultInvalidArgument", ResultOf(err))
			}
		})
	}
}

func TestValidateOTP(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"digits", "123456789", false},
		{"alnum", "AbC123", false},
		{"empty", "", true},
		{"too long", strings.Repeat("1", MaxOTPLength+1), true},
		{"inner space", "123 456", true},
		{"newline", "123456\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOTP(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateOTP(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestValidatePrivateKey(t *testing.T) {
	key, err := CreatePrivateKey()
	if err != nil {
		t.Fatalf("CreatePrivateKey() error = %v", err)
	}
	if err := ValidatePrivateKey(key[:]); err != nil {
		t.Errorf("ValidatePrivateKey(valid) error = %v", err)
	}

	tests := []struct {
		name string
		key  []byte
	}{
		{"nil", nil},
		{"short", make([]byte, 16)},
		{"long", make([]byte, 33)},
		{"zero", make([]byte, 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePrivateKey(tt.key)
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ValidatePrivateKey(%s) error = %v, want ErrInvalidKey", tt.name, err)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	if err := ValidatePayload(nil); err != nil {
		t.Errorf("ValidatePayload(nil) error = %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPayloadSize)); err != nil {
		t.Errorf("ValidatePayload(max) error = %v", err)
	}
	if err := ValidatePayload(make([]byte, MaxPayloadSize+1)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ValidatePayload(max+1) error = %v, want ErrInvalidArgument", err)
	}
}
