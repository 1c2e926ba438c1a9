package lifecycle

import (
	"time"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/session"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/turn"
)

// Status is what the UI needs to render the connection: a reconnecting
// indicator while retrying, a blocking error once recovery stopped.
type Status struct {
	Connection   transports.ConnectionState
	Attempt      int
	Reconnecting bool
	// Fatal is set when no automatic recovery will follow.
	Fatal bool
	Err   error
	// Ended is set once, when the session reaches Ended.
	Ended bool
	// TurnCount is the exchange count reported by the relay at session end.
	TurnCount int
}

type inputKind int

const (
	inputStart inputKind = iota
	inputSessionData
	inputSignal
	inputEvent
	inputEnd
)

type input struct {
	kind inputKind
	// eager connects on start instead of waiting for session data.
	eager  bool
	config session.Config
	signal transports.Signal
	event  events.Event
	reason string
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdSendConfig
	cmdSendEnd
	cmdTransition
	cmdTurns
	cmdRestore
	cmdStatus
	cmdAudio
	cmdTeardown
)

type command struct {
	kind   commandKind
	state  State
	reason string
	turns  []turn.Turn
	status Status
	audio  []byte
}

// model is the controller's decision state. step is pure: it never performs
// I/O and never mutates its receiver.
type model struct {
	state      State
	config     session.Config
	linked     bool
	connected  bool
	configSent bool
	asm        turn.State
	lastNumber int
}

func newModel() model {
	return model{state: StateIdle, asm: turn.NewState(0)}
}

func (m model) step(in input, now time.Time) (model, []command) {
	if m.state == StateEnded {
		if in.kind == inputSignal && in.signal.Kind == transports.SignalState {
			m.connected = in.signal.State == transports.StateConnected
		}
		return m, nil
	}
	var cmds []command
	switch in.kind {
	case inputStart:
		if in.eager && !m.linked {
			m.linked = true
			cmds = append(cmds, command{kind: cmdConnect})
		}

	case inputSessionData:
		// Metadata is immutable for the session; a re-fired load is ignored.
		if !m.config.IsZero() || in.config.IsZero() {
			return m, nil
		}
		m.config = in.config
		m, cmds = m.moveTo(StateAwaitingData, "session data loaded", cmds)
		if !m.linked {
			m.linked = true
			cmds = append(cmds, command{kind: cmdConnect})
		}
		m, cmds = m.configure("session data loaded", cmds)

	case inputSignal:
		m, cmds = m.onSignal(in.signal, cmds)

	case inputEvent:
		m, cmds = m.onEvent(in.event, now, cmds)

	case inputEnd:
		if m.connected {
			cmds = append(cmds, command{kind: cmdSendEnd})
		}
		m.connected = false
		m.configSent = false
		m, cmds = m.moveTo(StateEnded, in.reason, cmds)
		cmds = append(cmds,
			command{kind: cmdTeardown},
			command{kind: cmdStatus, status: Status{Connection: transports.StateDisconnected, Ended: true}},
		)
	}
	return m, cmds
}

func (m model) onSignal(sig transports.Signal, cmds []command) (model, []command) {
	if sig.Kind != transports.SignalState {
		return m, cmds
	}
	switch sig.State {
	case transports.StateConnecting:
		cmds = append(cmds, command{kind: cmdStatus, status: Status{
			Connection:   transports.StateConnecting,
			Attempt:      sig.Attempt,
			Reconnecting: sig.Attempt > 0,
		}})

	case transports.StateConnected:
		m.connected = true
		m.asm = turn.NewState(m.lastNumber)
		cmds = append(cmds, command{kind: cmdStatus, status: Status{
			Connection: transports.StateConnected,
			Attempt:    sig.Attempt,
		}})
		m, cmds = m.configure("connected", cmds)

	case transports.StateDisconnected:
		m.connected = false
		m.configSent = false
		m.asm = turn.NewState(m.lastNumber)
		cmds = append(cmds, command{kind: cmdStatus, status: Status{
			Connection:   transports.StateDisconnected,
			Attempt:      sig.Attempt,
			Reconnecting: sig.Retrying,
			Fatal:        sig.Final && sig.Err != nil,
			Err:          sig.Err,
		}})
	}
	return m, cmds
}

func (m model) onEvent(ev events.Event, now time.Time, cmds []command) (model, []command) {
	switch ev.Kind {
	case events.KindSessionResumed:
		// The relay's list is merged into the local transcript, so numbering
		// only ever moves forward.
		if len(ev.Turns) == 0 {
			return m, cmds
		}
		restored := make([]turn.Turn, 0, len(ev.Turns))
		for _, rec := range ev.Turns {
			t := turn.FromRecord(rec)
			restored = append(restored, t)
			if t.Number > m.lastNumber {
				m.lastNumber = t.Number
			}
		}
		if m.asm.Counter < m.lastNumber {
			m.asm = turn.NewState(m.lastNumber)
		}
		cmds = append(cmds, command{kind: cmdRestore, turns: restored})
		if m.lastNumber > 0 && m.state == StateConfigured {
			m, cmds = m.moveTo(StateActive, "session resumed", cmds)
		}
		return m, cmds

	case events.KindSessionEnded:
		m.connected = false
		m.configSent = false
		m, cmds = m.moveTo(StateEnded, "ended by server", cmds)
		return m, append(cmds,
			command{kind: cmdTeardown},
			command{kind: cmdStatus, status: Status{
				Connection: transports.StateDisconnected,
				Ended:      true,
				TurnCount:  ev.TurnCount,
			}},
		)

	case events.KindError:
		msg := ev.Message
		if msg == "" {
			msg = "server error"
		}
		connection := transports.StateDisconnected
		if m.connected {
			connection = transports.StateConnected
		}
		return m, append(cmds, command{kind: cmdStatus, status: Status{
			Connection: connection,
			Err:        errorsx.Errorf(errorsx.ReasonServerError, "%s", msg),
		}})
	}

	if ev.Kind == events.KindTutorMessage && len(ev.Audio) > 0 {
		cmds = append(cmds, command{kind: cmdAudio, audio: ev.Audio})
	}
	var finalized []turn.Turn
	m.asm, finalized = turn.Step(m.asm, ev, now)
	if len(finalized) == 0 {
		return m, cmds
	}
	for _, t := range finalized {
		if t.Number > m.lastNumber {
			m.lastNumber = t.Number
		}
	}
	cmds = append(cmds, command{kind: cmdTurns, turns: finalized})
	if m.state == StateConfigured {
		m, cmds = m.moveTo(StateActive, "conversation started", cmds)
	}
	return m, cmds
}

// configure sends the session config once per connection epoch.
func (m model) configure(reason string, cmds []command) (model, []command) {
	if !m.connected || m.configSent || m.config.IsZero() {
		return m, cmds
	}
	m.configSent = true
	cmds = append(cmds, command{kind: cmdSendConfig})
	return m.moveTo(StateConfigured, reason, cmds)
}

func (m model) moveTo(to State, reason string, cmds []command) (model, []command) {
	if !CanTransition(m.state, to) {
		return m, cmds
	}
	m.state = to
	return m, append(cmds, command{kind: cmdTransition, state: to, reason: reason})
}
