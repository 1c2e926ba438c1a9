package lifecycle

import (
	"testing"
	"time"

	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/session"
	"github.com/harunnryd/parla/pkg/transports"
	"pgregory.net/rapid"
)

func testConfig(t testing.TB) session.Config {
	t.Helper()
	cfg, err := session.New(session.Params{
		SessionID:      "sess-1",
		TargetLanguage: "Spanish",
		Level:          "A2",
		Topic:          "ordering food",
		Vocabulary:     []string{"la cuenta", "el menú"},
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return cfg
}

func connectedSignal() transports.Signal {
	return transports.StateSignal(transports.StateConnected)
}

func droppedSignal() transports.Signal {
	s := transports.StateSignal(transports.StateDisconnected)
	s.Code = transports.CloseAbnormal
	s.Retrying = true
	return s
}

func count(cmds []command, kind commandKind) int {
	n := 0
	for _, c := range cmds {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func run(m model, ins ...input) (model, []command) {
	var all []command
	now := time.Unix(1700000000, 0)
	for _, in := range ins {
		var cmds []command
		m, cmds = m.step(in, now)
		all = append(all, cmds...)
	}
	return m, all
}

func TestModelConfigSentOnceDataFirst(t *testing.T) {
	cfg := testConfig(t)
	m, cmds := run(newModel(),
		input{kind: inputSessionData, config: cfg},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputSessionData, config: cfg},
	)
	if got := count(cmds, cmdSendConfig); got != 1 {
		t.Fatalf("expected one config, got %d", got)
	}
	if got := count(cmds, cmdConnect); got != 1 {
		t.Fatalf("expected one connect, got %d", got)
	}
	if m.state != StateConfigured {
		t.Fatalf("expected configured, got %s", m.state)
	}
}

func TestModelConfigSentOnceConnectedFirst(t *testing.T) {
	cfg := testConfig(t)
	m, cmds := run(newModel(),
		input{kind: inputStart, eager: true},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputSessionData, config: cfg},
	)
	if got := count(cmds, cmdSendConfig); got != 1 {
		t.Fatalf("expected one config, got %d", got)
	}
	if got := count(cmds, cmdConnect); got != 1 {
		t.Fatalf("expected a single connect, got %d", got)
	}
	if m.state != StateConfigured {
		t.Fatalf("expected configured, got %s", m.state)
	}
}

func TestModelLazyStartWaitsForData(t *testing.T) {
	_, cmds := run(newModel(), input{kind: inputStart})
	if len(cmds) != 0 {
		t.Fatalf("expected nothing before session data, got %+v", cmds)
	}
}

func TestModelConfigResentAfterReconnect(t *testing.T) {
	cfg := testConfig(t)
	m, cmds := run(newModel(),
		input{kind: inputSessionData, config: cfg},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputEvent, event: events.Event{Kind: events.KindTutorMessage, Text: "Hola"}},
		input{kind: inputSignal, signal: droppedSignal()},
		input{kind: inputSignal, signal: connectedSignal()},
	)
	if got := count(cmds, cmdSendConfig); got != 2 {
		t.Fatalf("expected config per epoch, got %d", got)
	}
	if m.state != StateConfigured {
		t.Fatalf("expected configured after replay, got %s", m.state)
	}
	if m.lastNumber != 1 {
		t.Fatalf("expected numbering to survive reconnect, got %d", m.lastNumber)
	}
}

func TestModelEndSendsEndOnlyWhenConnected(t *testing.T) {
	cfg := testConfig(t)
	_, cmds := run(newModel(),
		input{kind: inputSessionData, config: cfg},
		input{kind: inputEnd, reason: "user"},
	)
	if count(cmds, cmdSendEnd) != 0 {
		t.Fatal("end_session must not be sent while disconnected")
	}
	if count(cmds, cmdTeardown) != 1 {
		t.Fatal("expected teardown")
	}

	m, cmds := run(newModel(),
		input{kind: inputSessionData, config: cfg},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputEnd, reason: "user"},
		input{kind: inputEnd, reason: "user"},
		input{kind: inputSignal, signal: connectedSignal()},
	)
	if count(cmds, cmdSendEnd) != 1 || count(cmds, cmdTeardown) != 1 {
		t.Fatalf("expected a single end and teardown, got %d/%d", count(cmds, cmdSendEnd), count(cmds, cmdTeardown))
	}
	if count(cmds, cmdSendConfig) != 1 {
		t.Fatal("no config may follow the end of the session")
	}
	if m.state != StateEnded {
		t.Fatalf("expected ended, got %s", m.state)
	}
}

func TestModelServerEndedSkipsEndSession(t *testing.T) {
	m, cmds := run(newModel(),
		input{kind: inputSessionData, config: testConfig(t)},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputEvent, event: events.Event{Kind: events.KindSessionEnded, TurnCount: 4}},
	)
	if count(cmds, cmdSendEnd) != 0 {
		t.Fatal("server ended the session; no end_session expected")
	}
	if m.state != StateEnded {
		t.Fatalf("expected ended, got %s", m.state)
	}
	last := cmds[len(cmds)-1]
	if last.kind != cmdStatus || !last.status.Ended || last.status.TurnCount != 4 {
		t.Fatalf("unexpected final status %+v", last)
	}
}

func TestModelResumeRebasesNumbering(t *testing.T) {
	resumed := events.Event{Kind: events.KindSessionResumed, Turns: []events.TurnRecord{
		{Speaker: "tutor", Transcript: "Hola", Number: 1},
		{Speaker: "student", Transcript: "Buenos días", Number: 2},
	}}
	m, cmds := run(newModel(),
		input{kind: inputSessionData, config: testConfig(t)},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputEvent, event: resumed},
		input{kind: inputEvent, event: events.Event{Kind: events.KindTutorMessage, Text: "¿Qué tal?"}},
	)
	if count(cmds, cmdRestore) != 1 {
		t.Fatal("expected restore")
	}
	var finalized []command
	for _, c := range cmds {
		if c.kind == cmdTurns {
			finalized = append(finalized, c)
		}
	}
	if len(finalized) != 1 || finalized[0].turns[0].Number != 3 {
		t.Fatalf("expected next turn numbered 3, got %+v", finalized)
	}
	if m.state != StateActive {
		t.Fatalf("expected active, got %s", m.state)
	}
}

func TestModelResumeNeverRewindsNumbering(t *testing.T) {
	base := []input{
		{kind: inputSessionData, config: testConfig(t)},
		{kind: inputSignal, signal: connectedSignal()},
		{kind: inputEvent, event: events.Event{Kind: events.KindTranscript, Text: "Buenos días"}},
		{kind: inputEvent, event: events.Event{Kind: events.KindTutorMessage, Text: "Hola"}},
		{kind: inputSignal, signal: droppedSignal()},
		{kind: inputSignal, signal: connectedSignal()},
	}
	cases := []struct {
		name     string
		turns    []events.TurnRecord
		restores int
		next     int
	}{
		{name: "empty", restores: 0, next: 3},
		{name: "shorter", turns: []events.TurnRecord{{Speaker: "student", Transcript: "Buenos días", Number: 1}}, restores: 1, next: 3},
		{name: "longer", turns: []events.TurnRecord{
			{Speaker: "student", Transcript: "Buenos días", Number: 1},
			{Speaker: "tutor", Transcript: "Hola", Number: 2},
			{Speaker: "student", Transcript: "Bien, gracias", Number: 3},
		}, restores: 1, next: 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := run(newModel(), base...)
			resumed := events.Event{Kind: events.KindSessionResumed, Turns: tc.turns}
			m, cmds := run(m,
				input{kind: inputEvent, event: resumed},
				input{kind: inputEvent, event: events.Event{Kind: events.KindTutorMessage, Text: "Seguimos"}},
			)
			if got := count(cmds, cmdRestore); got != tc.restores {
				t.Fatalf("expected %d restore commands, got %d", tc.restores, got)
			}
			var next int
			for _, c := range cmds {
				if c.kind == cmdTurns {
					next = c.turns[0].Number
				}
			}
			if next != tc.next {
				t.Fatalf("expected next turn %d, got %d", tc.next, next)
			}
			if m.lastNumber != tc.next {
				t.Fatalf("expected last number %d, got %d", tc.next, m.lastNumber)
			}
		})
	}
}

func TestModelFatalDisconnectStatus(t *testing.T) {
	final := transports.StateSignal(transports.StateDisconnected)
	final.Final = true
	final.Err = transports.ErrRetriesExhausted
	_, cmds := run(newModel(),
		input{kind: inputSessionData, config: testConfig(t)},
		input{kind: inputSignal, signal: connectedSignal()},
		input{kind: inputSignal, signal: final},
	)
	last := cmds[len(cmds)-1]
	if last.kind != cmdStatus || !last.status.Fatal || last.status.Reconnecting {
		t.Fatalf("expected fatal status, got %+v", last.status)
	}
}

func TestModelConfigAtMostOncePerEpoch(t *testing.T) {
	cfg := testConfig(t)
	rapid.Check(t, func(rt *rapid.T) {
		m := newModel()
		n := rapid.IntRange(1, 40).Draw(rt, "steps")
		sentThisEpoch := 0
		for i := 0; i < n; i++ {
			var in input
			switch rapid.IntRange(0, 3).Draw(rt, "input") {
			case 0:
				in = input{kind: inputSessionData, config: cfg}
			case 1:
				in = input{kind: inputSignal, signal: connectedSignal()}
			case 2:
				in = input{kind: inputSignal, signal: droppedSignal()}
			case 3:
				in = input{kind: inputEvent, event: events.Event{Kind: events.KindTutorMessage, Text: "Hola"}}
			}
			var cmds []command
			m, cmds = m.step(in, time.Now())
			if in.kind == inputSignal && in.signal.State == transports.StateDisconnected {
				sentThisEpoch = 0
			}
			sends := count(cmds, cmdSendConfig)
			if sends > 0 && !m.connected {
				rt.Fatalf("config sent while disconnected")
			}
			sentThisEpoch += sends
			if sentThisEpoch > 1 {
				rt.Fatalf("config sent %d times in one connection", sentThisEpoch)
			}
			if m.connected && !m.config.IsZero() && sentThisEpoch != 1 {
				rt.Fatalf("connected with data but config not sent")
			}
		}
	})
}
