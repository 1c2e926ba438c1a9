// Package mock provides an in-memory transports.Transport for tests and
// offline runs. Connection events are driven by the caller.
package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/parla/pkg/resilience"
	"github.com/harunnryd/parla/pkg/transports"
)

// Transport runs the shared connection machine without any network. Retry
// timers are not armed; a scheduled retry waits for FireRetry.
type Transport struct {
	name          string
	autoEstablish bool

	queue    *transports.SignalQueue
	done     chan struct{}
	doneOnce sync.Once

	mu           sync.Mutex
	machine      transports.Machine
	sent         [][]byte
	opens        int
	pendingRetry bool
	closeCode    int
}

var _ transports.Transport = (*Transport)(nil)

// Option configures a mock Transport.
type Option func(*Transport)

// WithAutoEstablish makes every dial succeed immediately.
func WithAutoEstablish() Option {
	return func(t *Transport) { t.autoEstablish = true }
}

// WithPolicy sets the reconnect policy. The default allows no retries.
func WithPolicy(p resilience.ReconnectPolicy) Option {
	return func(t *Transport) { t.machine.Policy = p }
}

// WithName overrides the reported transport name.
func WithName(name string) Option {
	return func(t *Transport) { t.name = name }
}

func New(opts ...Option) *Transport {
	t := &Transport{
		name:    "mock",
		queue:   transports.NewSignalQueue(),
		done:    make(chan struct{}),
		machine: transports.NewMachine(resilience.ReconnectPolicy{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return t.name }

func (t *Transport) Signals() <-chan transports.Signal { return t.queue.C() }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) State() transports.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.State
}

func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.stepLocked(transports.Input{Kind: transports.InputOpen})
	if d.Err != nil {
		return d.Err
	}
	if d.Dial {
		t.opens++
		t.dialLocked()
	}
	return nil
}

func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine.State != transports.StateConnected {
		return transports.ErrNotConnected
	}
	t.sent = append(t.sent, append([]byte(nil), payload...))
	return nil
}

func (t *Transport) Close(code int, _ string) error {
	if code == 0 {
		code = transports.CloseNormal
	}
	t.mu.Lock()
	if t.machine.Terminal {
		t.mu.Unlock()
		return nil
	}
	t.closeCode = code
	t.pendingRetry = false
	t.stepLocked(transports.Input{Kind: transports.InputCloseRequested, Code: code})
	t.mu.Unlock()
	t.queue.Close()
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

// Establish completes a pending dial.
func (t *Transport) Establish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepLocked(transports.Input{Kind: transports.InputEstablished})
}

// FailDial fails a pending dial.
func (t *Transport) FailDial(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepLocked(transports.Input{Kind: transports.InputDialFailed, Err: err})
}

// Drop simulates the remote end closing the connection with code.
func (t *Transport) Drop(code int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stepLocked(transports.Input{Kind: transports.InputClosed, Code: code, Err: err})
}

// FireRetry runs a scheduled reconnect. It reports false when none is pending.
func (t *Transport) FireRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.pendingRetry {
		return false
	}
	t.pendingRetry = false
	if d := t.stepLocked(transports.Input{Kind: transports.InputRetryFired}); d.Dial {
		t.dialLocked()
	}
	return true
}

// Deliver injects an inbound message. Messages are only delivered while
// Connected.
func (t *Transport) Deliver(payload []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.machine.State != transports.StateConnected {
		return false
	}
	return t.queue.Push(transports.MessageSignal(payload))
}

// Sent returns a copy of every payload accepted by Send.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// Opens counts dials started by Open.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// CloseCode returns the code passed to Close, or 0.
func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

func (t *Transport) dialLocked() {
	if t.autoEstablish {
		t.stepLocked(transports.Input{Kind: transports.InputEstablished})
	}
}

func (t *Transport) stepLocked(in transports.Input) transports.Decision {
	m, d := t.machine.Step(in)
	t.machine = m
	for _, sig := range d.Signals {
		t.queue.Push(sig)
	}
	if d.ScheduleRetry {
		t.pendingRetry = true
	}
	return d
}
