package transports

import (
	"fmt"
	"time"

	"github.com/harunnryd/parla/pkg/resilience"
)

// InputKind enumerates what can happen to a connection.
type InputKind int

const (
	InputOpen InputKind = iota
	InputEstablished
	InputDialFailed
	InputClosed
	InputRetryFired
	InputCloseRequested
)

// Input is one occurrence fed to Machine.Step.
type Input struct {
	Kind InputKind
	Code int
	Err  error
}

// Decision tells the transport which side effects to perform.
type Decision struct {
	Signals []Signal
	// Dial starts a new connection attempt.
	Dial bool
	// ScheduleRetry arms a timer that feeds InputRetryFired after RetryAfter.
	ScheduleRetry bool
	RetryAfter    time.Duration
	// Release closes the connection the input refers to, if any.
	Release bool
	Err     error
}

// Machine is the pure connection state machine shared by every transport.
// Step never performs I/O.
type Machine struct {
	State  ConnectionState
	Policy resilience.ReconnectPolicy
	// Terminal is set once the owner closed the transport.
	Terminal bool
}

// NewMachine returns a Disconnected machine using policy.
func NewMachine(policy resilience.ReconnectPolicy) Machine {
	return Machine{State: StateDisconnected, Policy: policy}
}

// Step applies in and returns the next machine and the effects to perform.
func (m Machine) Step(in Input) (Machine, Decision) {
	if m.Terminal {
		switch in.Kind {
		case InputOpen:
			return m, Decision{Err: ErrClosed}
		case InputEstablished:
			return m, Decision{Release: true}
		default:
			return m, Decision{}
		}
	}

	switch in.Kind {
	case InputOpen:
		if m.State == StateConnecting || m.State == StateConnected {
			return m, Decision{}
		}
		// An explicit open after exhaustion is a user retry.
		m.Policy = m.Policy.Reset()
		m.State = StateConnecting
		return m, Decision{Dial: true, Signals: []Signal{StateSignal(StateConnecting)}}

	case InputRetryFired:
		if m.State != StateDisconnected {
			return m, Decision{}
		}
		m.State = StateConnecting
		sig := StateSignal(StateConnecting)
		sig.Attempt = m.Policy.Attempt
		return m, Decision{Dial: true, Signals: []Signal{sig}}

	case InputEstablished:
		if m.State != StateConnecting {
			return m, Decision{Release: true}
		}
		attempt := m.Policy.Attempt
		m.Policy = m.Policy.Reset()
		m.State = StateConnected
		sig := StateSignal(StateConnected)
		sig.Attempt = attempt
		return m, Decision{Signals: []Signal{sig}}

	case InputDialFailed, InputClosed:
		if m.State == StateDisconnected {
			return m, Decision{}
		}
		code := in.Code
		if in.Kind == InputDialFailed {
			code = 0
		} else if code == 0 {
			code = CloseAbnormal
		}
		m.State = StateDisconnected
		sig := Signal{Kind: SignalState, State: StateDisconnected, Code: code, Err: in.Err}
		if in.Kind == InputClosed && code == CloseNormal {
			sig.Final = true
			return m, Decision{Release: true, Signals: []Signal{sig}}
		}
		if m.Policy.Exhausted() {
			sig.Final = true
			sig.Attempt = m.Policy.Attempt
			if m.Policy.MaxAttempts > 0 {
				sig.Err = exhausted(in.Err)
			}
			return m, Decision{Release: true, Signals: []Signal{sig}}
		}
		next, delay, _ := m.Policy.Next()
		m.Policy = next
		sig.Retrying = true
		sig.Attempt = next.Attempt
		return m, Decision{Release: true, ScheduleRetry: true, RetryAfter: delay, Signals: []Signal{sig}}

	case InputCloseRequested:
		m.Terminal = true
		if m.State == StateDisconnected {
			sig := StateSignal(StateDisconnected)
			sig.Final = true
			sig.Code = in.Code
			return m, Decision{Signals: []Signal{sig}}
		}
		closed := Signal{Kind: SignalState, State: StateDisconnected, Code: in.Code, Final: true}
		m.State = StateDisconnected
		return m, Decision{Release: true, Signals: []Signal{StateSignal(StateClosing), closed}}
	}
	return m, Decision{}
}

func exhausted(cause error) error {
	if cause == nil {
		return ErrRetriesExhausted
	}
	return fmt.Errorf("%w: %v", ErrRetriesExhausted, cause)
}
