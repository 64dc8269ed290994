package connection

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Result is an outcome code recorded with each transition. The values are
// defined by the caller; zero means success.
type Result int

// Transition describes one state change.
type Transition struct {
	From   ConnectionState
	To     ConnectionState
	Result Result
	Errno  int
	At     time.Time
}

// Observer is notified after every state change. It is called without the
// machine's lock held and must not block.
type Observer func(Transition)

// Machine tracks the state of one connection together with the last result
// and errno. Every change follows the graph in CanTransitionTo.
//
// Machine is safe for concurrent use.
type Machine struct {
	mu         sync.RWMutex
	state      ConnectionState
	result     Result
	errno      int
	lastChange time.Time

	clock    clock.Clock
	observer Observer
}

// NewMachine creates a Machine in StateCreated. A nil clock uses the real
// clock.
func NewMachine(clk clock.Clock, observer Observer) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		state:      StateCreated,
		lastChange: clk.Now(),
		clock:      clk,
		observer:   observer,
	}
}

// State returns the current state.
func (m *Machine) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastResult returns the result recorded by the last transition or Record.
func (m *Machine) LastResult() Result {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.result
}

// LastErrno returns the errno recorded by the last transition or Record.
func (m *Machine) LastErrno() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errno
}

// LastChange returns the time of the last state change.
func (m *Machine) LastChange() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChange
}

// Transition moves to a new state and records result and errno.
// Returns an error if the transition is invalid; nothing is recorded then.
func (m *Machine) Transition(to ConnectionState, result Result, errno int) error {
	m.mu.Lock()
	if err := m.state.ValidateTransition(to); err != nil {
		m.mu.Unlock()
		return err
	}
	tr := m.applyLocked(to, result, errno)
	m.mu.Unlock()

	m.notify(tr)
	return nil
}

// TransitionFrom is Transition guarded by the expected current state, for
// callers racing with other goroutines.
func (m *Machine) TransitionFrom(from, to ConnectionState, result Result, errno int) error {
	m.mu.Lock()
	if m.state != from {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: in %s, expected %s", ErrInvalidTransition, state, from)
	}
	if err := m.state.ValidateTransition(to); err != nil {
		m.mu.Unlock()
		return err
	}
	tr := m.applyLocked(to, result, errno)
	m.mu.Unlock()

	m.notify(tr)
	return nil
}

// Fail moves to StateError with the given result. It returns false when the
// machine was already terminal, so a failure is recorded exactly once.
func (m *Machine) Fail(result Result, errno int) bool {
	m.mu.Lock()
	if m.state.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	tr := m.applyLocked(StateError, result, errno)
	m.mu.Unlock()

	m.notify(tr)
	return true
}

// Record updates the last result and errno without a state change, for
// outcomes such as "would block" or "pairing required".
func (m *Machine) Record(result Result, errno int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
	m.errno = errno
}

func (m *Machine) applyLocked(to ConnectionState, result Result, errno int) Transition {
	now := m.clock.Now()
	tr := Transition{
		From:   m.state,
		To:     to,
		Result: result,
		Errno:  errno,
		At:     now,
	}
	m.state = to
	m.result = result
	m.errno = errno
	m.lastChange = now
	return tr
}

func (m *Machine) notify(tr Transition) {
	if m.observer != nil {
		m.observer(tr)
	}
}
