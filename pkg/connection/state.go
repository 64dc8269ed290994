// Package connection provides connection lifecycle management: the state
// graph of a grid connection, result and errno bookkeeping on every
// transition, and the keepalive timer of an established peer channel.
package connection

import (
	"errors"
	"fmt"
)

// ConnectionState represents the state of a connection.
type ConnectionState int

const (
	// StateCreated indicates a fresh connection that has not dialed yet.
	StateCreated ConnectionState = iota

	// StateConnectingGrid indicates the grid dial and handshake are in
	// progress.
	StateConnectingGrid

	// StateConnectedToGrid indicates an authenticated grid session.
	StateConnectedToGrid

	// StateConnectingPeer indicates a peer lookup or peer handshake is in
	// progress, or the grid asked for pairing.
	StateConnectingPeer

	// StatePairing indicates an OTP pairing exchange is in progress.
	StatePairing

	// StateConnected indicates an end-to-end session with the peer.
	StateConnected

	// StateClosing indicates a close is in progress.
	StateClosing

	// StateClosed indicates the connection was closed cleanly.
	StateClosed

	// StateError indicates an unrecoverable failure. The connection must be
	// destroyed.
	StateError
)

// ErrInvalidTransition is returned for an edge outside the state graph.
var ErrInvalidTransition = errors.New("invalid state transition")

// String returns a human-readable representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnectingGrid:
		return "ConnectingGrid"
	case StateConnectedToGrid:
		return "ConnectedToGrid"
	case StateConnectingPeer:
		return "ConnectingPeer"
	case StatePairing:
		return "Pairing"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s ConnectionState) IsTerminal() bool {
	return s == StateClosed || s == StateError
}

// IsConnecting returns true while a dial, handshake or pairing is underway.
func (s ConnectionState) IsConnecting() bool {
	return s == StateConnectingGrid || s == StateConnectingPeer || s == StatePairing
}

// validTransitions is the full state graph. Every non-terminal state may
// additionally move to StateError.
var validTransitions = map[ConnectionState][]ConnectionState{
	StateCreated:         {StateConnectingGrid},
	StateConnectingGrid:  {StateConnectedToGrid},
	StateConnectedToGrid: {StateConnectingPeer, StateClosing},
	StateConnectingPeer:  {StatePairing, StateConnected, StateClosing},
	StatePairing:         {StateConnectingPeer},
	StateConnected:       {StateClosing},
	StateClosing:         {StateClosed},
}

// CanTransitionTo checks if a transition from the current state to
// the target state is valid.
func (s ConnectionState) CanTransitionTo(target ConnectionState) bool {
	if target == StateError {
		return !s.IsTerminal()
	}

	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error if the transition is invalid.
func (s ConnectionState) ValidateTransition(target ConnectionState) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
	}
	return nil
}
