package sshsession

import (
	"sync"
	"time"
)

// State is the lifecycle state of the Session.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s State) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateDisconnecting, StateFailed:
		return true
	default:
		return false
	}
}

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called after the state changes.
type StateCallback func(from, to State)

// maxTransitions limits the number of stored state transitions.
const maxTransitions = 50

// stateTracker holds the current state, a bounded transition history, and
// change callbacks.
type stateTracker struct {
	mu          sync.RWMutex
	state       State
	transitions []StateTransition
	callbacks   []StateCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{state: StateDisconnected}
}

func (t *stateTracker) Get() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Set updates the state. If it actually changed, the transition is recorded
// and callbacks fire outside the lock. Returns the previous state.
func (t *stateTracker) Set(newState State) State {
	t.mu.Lock()
	oldState := t.state
	if oldState == newState {
		t.mu.Unlock()
		return oldState
	}
	t.state = newState

	t.transitions = append(t.transitions, StateTransition{
		From:      oldState,
		To:        newState,
		Timestamp: time.Now(),
	})
	if len(t.transitions) > maxTransitions {
		t.transitions = t.transitions[len(t.transitions)-maxTransitions:]
	}

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(oldState, newState)
	}
	return oldState
}

// CompareAndSet moves to newState only when the current state is one of from.
func (t *stateTracker) CompareAndSet(newState State, from ...State) (State, bool) {
	t.mu.Lock()
	cur := t.state
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	t.mu.Unlock()
	if !ok {
		return cur, false
	}
	// Lifecycle changes are serialized by Session.lifeMu, so the state
	// cannot move between the check and the set.
	return t.Set(newState), true
}

func (t *stateTracker) Transitions() []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]StateTransition, len(t.transitions))
	copy(result, t.transitions)
	return result
}

func (t *stateTracker) OnChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
