// Package peer holds the per-connection pieces of the sync client: the
// lifecycle state machine, framed connection I/O, the ECNP handshake,
// reconnect scheduling and heartbeats.
package peer

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of the link to the desktop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
	StateSyncing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateSyncing:
		return "syncing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a socket is open in this state.
func (s State) Active() bool {
	return s == StateHandshaking || s == StateConnected || s == StateSyncing
}

// ErrIllegalTransition is returned for a transition the lifecycle forbids.
var ErrIllegalTransition = errors.New("illegal state transition")

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateHandshaking, StateError, StateDisconnected},
	StateHandshaking:  {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateSyncing, StateError, StateDisconnected},
	StateSyncing:      {StateConnected, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateListener observes a transition.
type StateListener func(from, to State)

// StateMachine serializes lifecycle transitions. Listeners run synchronously
// in registration order, one transition at a time, and must not call back
// into the machine.
type StateMachine struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     State
	lastErr   error
	listeners []StateListener
}

// NewStateMachine starts in StateDisconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that last moved the machine to StateError.
func (m *StateMachine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnChange registers a listener.
func (m *StateMachine) OnChange(fn StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Transition moves to the given state. Moving to the current state is a no-op.
func (m *StateMachine) Transition(to State) error {
	return m.transition(to, nil, nil)
}

// TransitionFrom moves to the given state only if the machine is currently
// in one of from.
func (m *StateMachine) TransitionFrom(to State, from ...State) error {
	return m.transition(to, from, nil)
}

// Fail moves to StateError and records err.
func (m *StateMachine) Fail(err error) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	return m.transition(StateError, nil, err)
}

func (m *StateMachine) transition(to State, from []State, cause error) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	if len(from) > 0 && !containsState(from, prev) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (expected %v)", ErrIllegalTransition, prev, to, from)
	}
	if prev == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(prev, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, prev, to)
	}
	m.state = to
	if cause != nil {
		m.lastErr = cause
	}
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, to)
	}
	return nil
}

func containsState(states []State, s State) bool {
	for _, c := range states {
		if c == s {
			return true
		}
	}
	return false
}
