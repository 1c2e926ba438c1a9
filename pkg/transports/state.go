package transports

// ConnectionState is the externally visible state of a Transport.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// SignalKind distinguishes state changes from inbound messages.
type SignalKind int

const (
	SignalState SignalKind = iota
	SignalMessage
)

// Signal is one ordered notification from a Transport to its owner.
type Signal struct {
	Kind    SignalKind
	State   ConnectionState
	Payload []byte
	Err     error
	// Code is the close code for Disconnected signals, when known.
	Code int
	// Attempt is the reconnect attempt the signal belongs to.
	Attempt int
	// Retrying is set on Disconnected when a reconnect is scheduled.
	Retrying bool
	// Final is set on Disconnected when no automatic recovery will follow.
	Final bool
}

// StateSignal builds a state change signal.
func StateSignal(state ConnectionState) Signal {
	return Signal{Kind: SignalState, State: state}
}

// MessageSignal builds an inbound message signal.
func MessageSignal(payload []byte) Signal {
	return Signal{Kind: SignalMessage, Payload: payload}
}
