package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/parla/pkg/resilience"
	"github.com/harunnryd/parla/pkg/transports"
)

func collect(t *testing.T, tr *Transport, n int) []transports.Signal {
	t.Helper()
	out := make([]transports.Signal, 0, n)
	for len(out) < n {
		select {
		case sig := <-tr.Signals():
			out = append(out, sig)
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d signals", len(out), n)
		}
	}
	return out
}

func TestMockReconnectCycle(t *testing.T) {
	tr := New(WithAutoEstablish(), WithPolicy(resilience.DefaultReconnectPolicy()))
	defer tr.Close(transports.CloseNormal, "")

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	tr.Drop(transports.CloseAbnormal, errors.New("reset"))
	if !tr.FireRetry() {
		t.Fatalf("expected a pending retry")
	}
	if tr.FireRetry() {
		t.Fatalf("retry fired twice")
	}

	sigs := collect(t, tr, 5)
	want := []transports.ConnectionState{
		transports.StateConnecting,
		transports.StateConnected,
		transports.StateDisconnected,
		transports.StateConnecting,
		transports.StateConnected,
	}
	for i, s := range sigs {
		if s.State != want[i] {
			t.Fatalf("signal %d: expected %s, got %s", i, want[i], s.State)
		}
	}
	if !sigs[2].Retrying {
		t.Fatalf("expected retrying disconnect")
	}
}

func TestMockSendAndDeliver(t *testing.T) {
	tr := New()
	defer tr.Close(transports.CloseNormal, "")

	if err := tr.Send([]byte("early")); !errors.Is(err, transports.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	_ = tr.Open(context.Background())
	if tr.Deliver([]byte("x")) {
		t.Fatalf("delivered before connected")
	}
	tr.Establish()
	if !tr.Deliver([]byte(`{"type":"session_ready"}`)) {
		t.Fatalf("deliver failed")
	}
	if err := tr.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	sigs := collect(t, tr, 3)
	if sigs[2].Kind != transports.SignalMessage {
		t.Fatalf("expected message signal last")
	}
	if got := tr.Sent(); len(got) != 1 || string(got[0]) != "hello" {
		t.Fatalf("unexpected sent %q", got)
	}
}
