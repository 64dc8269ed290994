// Package opensdg implements the Grid Connect secure peer-to-peer protocol.
package opensdg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/andersop91/opensdg/pkg/channel"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/andersop91/opensdg/pkg/grid"
	"github.com/andersop91/opensdg/pkg/pairing"
	"github.com/andersop91/opensdg/pkg/transport"
	"github.com/andersop91/opensdg/pkg/wire"
)

// ResultCode is the outcome of an operation, as reported by every call and
// by Connection.LastResult.
type ResultCode int

const (
	// ResultOK indicates success.
	ResultOK ResultCode = iota

	// ResultInvalidKey indicates key material that is not a valid scalar,
	// or a missing identity.
	ResultInvalidKey

	// ResultAuthenticationFailed indicates the remote party failed to prove
	// its key, or refused ours.
	ResultAuthenticationFailed

	// ResultHandshakeTimeout indicates a handshake, grid request or pairing
	// exchange did not finish in time.
	ResultHandshakeTimeout

	// ResultPeerUnreachable indicates the grid does not know the peer or
	// the peer is offline.
	ResultPeerUnreachable

	// ResultProtocolUnsupported indicates the grid or peer does not speak
	// the requested protocol.
	ResultProtocolUnsupported

	// ResultPairingRequired indicates the peer does not trust us yet. It is
	// recoverable: pair with an OTP and connect again.
	ResultPairingRequired

	// ResultPairingFailed indicates the OTP was wrong, expired or consumed.
	ResultPairingFailed

	// ResultDecryptionFailed indicates a frame failed authentication.
	ResultDecryptionFailed

	// ResultChannelClosed indicates the remote side closed the connection.
	ResultChannelClosed

	// ResultKeepaliveTimeout indicates the peer stopped answering pings.
	ResultKeepaliveTimeout

	// ResultNetworkError indicates a socket failure; LastErrno has details.
	ResultNetworkError

	// ResultInvalidState indicates an operation not valid in the current
	// connection state.
	ResultInvalidState

	// ResultWouldBlock indicates a non-blocking operation is in progress.
	// It is not a failure.
	ResultWouldBlock

	// ResultInvalidArgument indicates malformed caller input.
	ResultInvalidArgument
)

var resultNames = map[ResultCode]string{
	ResultOK:                   "OK",
	ResultInvalidKey:           "InvalidKey",
	ResultAuthenticationFailed: "AuthenticationFailed",
	ResultHandshakeTimeout:     "HandshakeTimeout",
	ResultPeerUnreachable:      "PeerUnreachable",
	ResultProtocolUnsupported:  "ProtocolUnsupported",
	ResultPairingRequired:      "PairingRequired",
	ResultPairingFailed:        "PairingFailed",
	ResultDecryptionFailed:     "DecryptionFailed",
	ResultChannelClosed:        "ChannelClosed",
	ResultKeepaliveTimeout:     "KeepaliveTimeout",
	ResultNetworkError:         "NetworkError",
	ResultInvalidState:         "InvalidState",
	ResultWouldBlock:           "WouldBlock",
	ResultInvalidArgument:      "InvalidArgument",
}

var resultText = map[ResultCode]string{
	ResultOK:                   "success",
	ResultInvalidKey:           "invalid or missing key",
	ResultAuthenticationFailed: "authentication failed",
	ResultHandshakeTimeout:     "timed out",
	ResultPeerUnreachable:      "peer unreachable",
	ResultProtocolUnsupported:  "protocol not supported",
	ResultPairingRequired:      "pairing required",
	ResultPairingFailed:        "pairing failed",
	ResultDecryptionFailed:     "decryption failed",
	ResultChannelClosed:        "connection closed by remote",
	ResultKeepaliveTimeout:     "peer stopped responding",
	ResultNetworkError:         "network error",
	ResultInvalidState:         "operation not valid in current state",
	ResultWouldBlock:           "operation in progress",
	ResultInvalidArgument:      "invalid argument",
}

// String returns the identifier of the code.
func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ResultCode(%d)", int(c))
}

// ResultToString returns human-readable text for code.
func ResultToString(code ResultCode) string {
	if s, ok := resultText[code]; ok {
		return s
	}
	return fmt.Sprintf("unknown result %d", int(code))
}

// Error is the error type returned by Connection and Node operations.
type Error struct {
	// Code classifies the failure.
	Code ResultCode

	// Message describes the failure.
	Message string

	// PeerID is the remote party involved, if any.
	PeerID crypto.PeerID

	// Errno is the OS error number for network failures, or 0.
	Errno int

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = ResultToString(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("opensdg: %s: %v", msg, e.Cause)
	}
	return "opensdg: " + msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for use with errors.Is.
var (
	ErrInvalidKey           = &Error{Code: ResultInvalidKey}
	ErrAuthenticationFailed = &Error{Code: ResultAuthenticationFailed}
	ErrHandshakeTimeout     = &Error{Code: ResultHandshakeTimeout}
	ErrPeerUnreachable      = &Error{Code: ResultPeerUnreachable}
	ErrProtocolUnsupported  = &Error{Code: ResultProtocolUnsupported}
	ErrPairingRequired      = &Error{Code: ResultPairingRequired}
	ErrPairingFailed        = &Error{Code: ResultPairingFailed}
	ErrDecryptionFailed     = &Error{Code: ResultDecryptionFailed}
	ErrChannelClosed        = &Error{Code: ResultChannelClosed}
	ErrKeepaliveTimeout     = &Error{Code: ResultKeepaliveTimeout}
	ErrNetwork              = &Error{Code: ResultNetworkError}
	ErrInvalidState         = &Error{Code: ResultInvalidState}
	ErrWouldBlock           = &Error{Code: ResultWouldBlock}
	ErrInvalidArgument      = &Error{Code: ResultInvalidArgument}
)

// Sentinel errors for configuration and node lifecycle.
var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNodeShutdown indicates use of a Node after Shutdown.
	ErrNodeShutdown = errors.New("node shut down")

	// ErrUnknownConnection indicates a handle that is not in the table.
	ErrUnknownConnection = errors.New("unknown connection")
)

// IsRecoverable reports whether err leaves the connection usable: the
// operation is still in progress, or pairing is required.
func IsRecoverable(err error) bool {
	switch ResultOf(err) {
	case ResultWouldBlock, ResultPairingRequired:
		return true
	}
	return false
}

// IsFatal reports whether err put the connection into the Error state.
func IsFatal(err error) bool {
	switch ResultOf(err) {
	case ResultOK, ResultWouldBlock, ResultPairingRequired,
		ResultInvalidState, ResultInvalidArgument:
		return false
	}
	return true
}

// ResultOf returns the ResultCode carried by err.
func ResultOf(err error) ResultCode {
	code, _ := resultFromError(err)
	return code
}

func newError(code ResultCode, msg string, cause error) *Error {
	_, errno := resultFromError(cause)
	return &Error{Code: code, Message: msg, Errno: errno, Cause: cause}
}

// resultFromError maps errors from the lower layers onto result codes and
// extracts an errno for network failures.
func resultFromError(err error) (ResultCode, int) {
	if err == nil {
		return ResultOK, 0
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code, e.Errno
	}

	switch {
	case errors.Is(err, transport.ErrWouldBlock):
		return ResultWouldBlock, 0
	case errors.Is(err, crypto.ErrInvalidKey),
		errors.Is(err, crypto.ErrIdentityDestroyed):
		return ResultInvalidKey, 0
	case errors.Is(err, channel.ErrAuthenticationFailed),
		errors.Is(err, channel.ErrUnauthorized),
		errors.Is(err, crypto.ErrWeakPublicKey):
		return ResultAuthenticationFailed, 0
	case errors.Is(err, channel.ErrHandshakeTimeout),
		errors.Is(err, transport.ErrTimeout),
		errors.Is(err, grid.ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ResultHandshakeTimeout, 0
	case errors.Is(err, channel.ErrDecryptionFailed),
		errors.Is(err, channel.ErrProtocolViolation),
		errors.Is(err, wire.ErrBadMagic),
		errors.Is(err, wire.ErrShortPacket),
		errors.Is(err, wire.ErrBadBody),
		errors.Is(err, wire.ErrNonceOutOfOrder):
		// A corrupt or forged frame invalidates the channel.
		return ResultDecryptionFailed, 0
	case errors.Is(err, grid.ErrProtocolUnsupported),
		errors.Is(err, grid.ErrMalformed),
		errors.Is(err, grid.ErrUnknownMessage),
		errors.Is(err, grid.ErrUnexpectedReply):
		return ResultProtocolUnsupported, 0
	case errors.Is(err, pairing.ErrAuthMismatch),
		errors.Is(err, pairing.ErrInvalidOTP),
		errors.Is(err, pairing.ErrInvalidChallenge),
		errors.Is(err, pairing.ErrSessionClosed),
		errors.Is(err, pairing.ErrUnknownOTP),
		errors.Is(err, pairing.ErrOTPConsumed),
		errors.Is(err, pairing.ErrOTPExpired),
		errors.Is(err, pairing.ErrNoChallenge):
		return ResultPairingFailed, 0
	case errors.Is(err, transport.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return ResultChannelClosed, 0
	}

	return ResultNetworkError, transport.Errno(err)
}
