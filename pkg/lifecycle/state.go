package lifecycle

import "time"

// State is the session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingData
	StateConfigured
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingData:
		return "awaiting_data"
	case StateConfigured:
		return "configured"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

var validTransitions = map[State][]State{
	StateIdle:         {StateAwaitingData, StateEnded},
	StateAwaitingData: {StateConfigured, StateEnded},
	// Configured re-enters itself when config is replayed before the
	// conversation started.
	StateConfigured: {StateConfigured, StateActive, StateEnded},
	StateActive:     {StateConfigured, StateEnded},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	From      State
	To        State
	Timestamp time.Time
	Reason    string
}

// StateListener observes lifecycle transitions.
type StateListener interface {
	OnStateChange(change StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(change StateChange)

func (f StateListenerFunc) OnStateChange(change StateChange) { f(change) }

// InvalidTransitionError is returned for a transition the lifecycle forbids.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid lifecycle transition from " + e.From.String() + " to " + e.To.String()
}
