package sshsession

import (
	"sync"
	"testing"
)

func TestStateTracker_DefaultDisconnected(t *testing.T) {
	tr := newStateTracker()
	if tr.Get() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", tr.Get())
	}
}

func TestStateTracker_RecordsTransitions(t *testing.T) {
	tr := newStateTracker()
	tr.Set(StateConnecting)
	tr.Set(StateConnected)
	tr.Set(StateConnected) // no-op

	trans := tr.Transitions()
	if len(trans) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(trans))
	}
	if trans[0].From != StateDisconnected || trans[0].To != StateConnecting {
		t.Errorf("unexpected first transition %+v", trans[0])
	}
	if trans[1].To != StateConnected {
		t.Errorf("unexpected second transition %+v", trans[1])
	}
}

func TestStateTracker_BoundedHistory(t *testing.T) {
	tr := newStateTracker()
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			tr.Set(StateConnecting)
		} else {
			tr.Set(StateFailed)
		}
	}
	if n := len(tr.Transitions()); n != maxTransitions {
		t.Errorf("expected %d transitions, got %d", maxTransitions, n)
	}
}

func TestStateTracker_Callbacks(t *testing.T) {
	tr := newStateTracker()
	var mu sync.Mutex
	var got []State
	tr.OnChange(func(from, to State) {
		mu.Lock()
		got = append(got, to)
		mu.Unlock()
		// Reading state from a callback must not deadlock.
		_ = tr.Get()
	})
	tr.Set(StateConnecting)
	tr.Set(StateFailed)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != StateConnecting || got[1] != StateFailed {
		t.Errorf("unexpected callback states %v", got)
	}
}

func TestStateTracker_CompareAndSet(t *testing.T) {
	tr := newStateTracker()
	if _, ok := tr.CompareAndSet(StateDisconnecting, StateConnected); ok {
		t.Error("expected CompareAndSet to refuse from disconnected")
	}
	if _, ok := tr.CompareAndSet(StateConnecting, StateDisconnected, StateFailed); !ok {
		t.Error("expected CompareAndSet to move to connecting")
	}
	if tr.Get() != StateConnecting {
		t.Errorf("expected connecting, got %s", tr.Get())
	}
}

func TestStateIsValid(t *testing.T) {
	for _, s := range []State{StateDisconnected, StateConnecting, StateConnected, StateDisconnecting, StateFailed} {
		if !s.IsValid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if State("reconnecting").IsValid() {
		t.Error("unexpected valid state")
	}
}
