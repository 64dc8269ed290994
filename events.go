package opensdg

import (
	"time"

	"github.com/andersop91/opensdg/internal/eventdispatch"
	"github.com/andersop91/opensdg/pkg/connection"
	"github.com/andersop91/opensdg/pkg/crypto"
	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a Connection.
// This is re-exported from the connection package for public API.
type ConnectionState = connection.ConnectionState

// Connection states.
const (
	StateCreated         = connection.StateCreated
	StateConnectingGrid  = connection.StateConnectingGrid
	StateConnectedToGrid = connection.StateConnectedToGrid
	StateConnectingPeer  = connection.StateConnectingPeer
	StatePairing         = connection.StatePairing
	StateConnected       = connection.StateConnected
	StateClosing         = connection.StateClosing
	StateClosed          = connection.StateClosed
	StateError           = connection.StateError
)

// ConnectionEvent represents a connection state change.
// Events are delivered on Connection.Events and to Node subscriptions.
type ConnectionEvent struct {
	// ConnID identifies the connection.
	ConnID uuid.UUID

	// PeerID is the remote peer, or the zero id before ConnectToRemote.
	PeerID crypto.PeerID

	// From is the state before the change.
	From ConnectionState

	// To is the new state.
	To ConnectionState

	// Result is the result recorded with the change.
	Result ResultCode

	// Errno is the OS error number for ResultNetworkError, otherwise 0.
	Errno int

	// Timestamp is when the change happened.
	Timestamp time.Time
}

// IsError returns true if this event moved the connection into StateError.
func (e ConnectionEvent) IsError() bool {
	return e.To == StateError
}

// EventFilter selects events for a subscription. Empty fields match
// everything.
type EventFilter struct {
	// ConnIDs restricts events to these connections.
	ConnIDs []uuid.UUID

	// PeerIDs restricts events to connections with these remote peers.
	PeerIDs []crypto.PeerID

	// States restricts events to changes into these states.
	States []ConnectionState

	// ErrorsOnly restricts events to failures.
	ErrorsOnly bool
}

func (f EventFilter) matches(e ConnectionEvent) bool {
	if f.ErrorsOnly && !e.IsError() {
		return false
	}
	if len(f.ConnIDs) > 0 && !contains(f.ConnIDs, e.ConnID) {
		return false
	}
	if len(f.PeerIDs) > 0 && !contains(f.PeerIDs, e.PeerID) {
		return false
	}
	if len(f.States) > 0 && !contains(f.States, e.To) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// EventSubscription receives the events of all connections of a Node that
// match its filter. A subscriber that falls behind misses events rather
// than stalling the connections.
type EventSubscription struct {
	sub *eventdispatch.Subscription[ConnectionEvent]
}

// Events returns the subscription channel. It is closed by Unsubscribe or
// when the Node shuts down.
func (s *EventSubscription) Events() <-chan ConnectionEvent {
	return s.sub.Events()
}

// Unsubscribe stops delivery and closes the channel. It is idempotent.
func (s *EventSubscription) Unsubscribe() {
	s.sub.Cancel()
}
