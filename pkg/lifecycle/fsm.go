package lifecycle

import (
	"sync"
	"time"
)

// fsm holds the current lifecycle state and notifies listeners. The
// controller's loop is the only writer; State may be read from anywhere.
type fsm struct {
	mu        sync.RWMutex
	current   State
	listeners []StateListener
	now       func() time.Time
}

func newFSM(now func() time.Time) *fsm {
	if now == nil {
		now = time.Now
	}
	return &fsm{current: StateIdle, now: now}
}

func (f *fsm) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Transition validates and applies a transition. Listeners run after the
// lock is released.
func (f *fsm) Transition(to State, reason string) error {
	f.mu.Lock()
	from := f.current
	if !CanTransition(from, to) {
		f.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	f.current = to
	listeners := make([]StateListener, len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()

	change := StateChange{From: from, To: to, Timestamp: f.now(), Reason: reason}
	for _, l := range listeners {
		l.OnStateChange(change)
	}
	return nil
}

func (f *fsm) AddListener(l StateListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}
