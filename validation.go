package opensdg

import (
	"fmt"
	"unicode"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/crypto"
)

// Input limits.
const (
	// MaxProtocolNameLength bounds the protocol name sent to the grid.
	MaxProtocolNameLength = 255

	// MaxOTPLength bounds a pairing OTP.
	MaxOTPLength = 64

	// MaxPayloadSize is the largest payload Send accepts.
	MaxPayloadSize = channel.MaxPayloadSize
)

// ValidateProtocolName checks a protocol name passed to ConnectToRemote.
// Names must:
//   - Be non-empty
//   - Not exceed MaxProtocolNameLength bytes
//   - Contain only printable ASCII without spaces
func ValidateProtocolName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: protocol name cannot be empty", ErrInvalidArgument)
	}
	if len(name) > MaxProtocolNameLength {
		return fmt.Errorf("%w: protocol name of %d bytes exceeds maximum of %d",
			ErrInvalidArgument, len(name), MaxProtocolNameLength)
	}
	for i, r := range name {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || r == ' ' {
			return fmt.Errorf("%w: invalid character %q at position %d in protocol name",
				ErrInvalidArgument, r, i)
		}
	}
	return nil
}

// ValidateOTP checks a pairing OTP passed to PairRemote.
func ValidateOTP(otp string) error {
	if otp == "" {
		return fmt.Errorf("%w: otp cannot be empty", ErrInvalidArgument)
	}
	if len(otp) > MaxOTPLength {
		return fmt.Errorf("%w: otp of %d bytes exceeds maximum of %d",
			ErrInvalidArgument, len(otp), MaxOTPLength)
	}
	for i, r := range otp {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("%w: invalid character at position %d in otp", ErrInvalidArgument, i)
		}
	}
	return nil
}

// ValidatePrivateKey checks that key is a usable private key.
func ValidatePrivateKey(key []byte) error {
	if _, err := crypto.CalcPublicKey(key); err != nil {
		return newError(ResultInvalidKey, "invalid private key", err)
	}
	return nil
}

// ValidatePayload checks the size of a payload passed to Send.
func ValidatePayload(data []byte) error {
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds maximum of %d",
			ErrInvalidArgument, len(data), MaxPayloadSize)
	}
	return nil
}
