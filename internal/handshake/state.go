// Package handshake tracks the progress of a channel handshake and rejects
// packets that arrive out of sequence.
package handshake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a step of the initiator or responder handshake.
type State int

const (
	// StateInit is the initial state before any packet is exchanged.
	StateInit State = iota

	// StateSentTell means the initiator asked for the responder's key.
	StateSentTell

	// StateSentHello means the initiator sent its ephemeral key.
	StateSentHello

	// StateSentVouch means the initiator proved its long-term key.
	StateSentVouch

	// StateSentWelcome means the responder published its long-term key.
	StateSentWelcome

	// StateSentCookie means the responder sent its ephemeral key.
	StateSentCookie

	// StateComplete means session keys are established.
	StateComplete

	// StateFailed means the handshake was aborted.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSentTell:
		return "SentTell"
	case StateSentHello:
		return "SentHello"
	case StateSentVouch:
		return "SentVouch"
	case StateSentWelcome:
		return "SentWelcome"
	case StateSentCookie:
		return "SentCookie"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// ErrInvalidStateTransition indicates a packet arrived for a step the
// handshake is not in.
var ErrInvalidStateTransition = errors.New("invalid handshake state transition")

// Tracker records handshake progress and enforces valid transitions.
//
// All methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	state     State
	lastError error
	startTime time.Time
}

// NewTracker creates a Tracker in StateInit.
func NewTracker() *Tracker {
	return &Tracker{
		state:     StateInit,
		startTime: time.Now(),
	}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LastError returns the error that failed the handshake, if any.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// Duration returns the time elapsed since the handshake started.
func (t *Tracker) Duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.startTime)
}

// Expect returns an error unless the tracker is in state s.
func (t *Tracker) Expect(s State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != s {
		return fmt.Errorf("%w: in %v, want %v", ErrInvalidStateTransition, t.state, s)
	}
	return nil
}

// Transition moves to a new state. Invalid transitions return an error and
// leave the state unchanged.
func (t *Tracker) Transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !isValidTransition(t.state, to) {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidStateTransition, t.state, to)
	}
	t.state = to
	return nil
}

// Fail marks the handshake as failed with the given error.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateFailed
	t.lastError = err
}

// IsComplete returns true if the handshake completed successfully.
func (t *Tracker) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateComplete
}

// IsTerminal returns true once the handshake completed or failed.
func (t *Tracker) IsTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateComplete || t.state == StateFailed
}

// isValidTransition checks a state transition.
//
//	initiator: Init -> SentTell -> SentHello -> SentVouch -> Complete
//	responder: Init -> SentWelcome -> SentCookie -> Complete
//	any non-terminal state -> Failed
func isValidTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateComplete && from != StateFailed
	}
	switch from {
	case StateInit:
		return to == StateSentTell || to == StateSentWelcome
	case StateSentTell:
		return to == StateSentHello
	case StateSentHello:
		return to == StateSentVouch
	case StateSentVouch, StateSentCookie:
		return to == StateComplete
	case StateSentWelcome:
		return to == StateSentCookie
	default:
		return false
	}
}
