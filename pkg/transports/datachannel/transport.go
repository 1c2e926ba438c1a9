// Package datachannel adapts a WebRTC data channel to transports.Transport.
// The channel carries the provider's JSON events once negotiation succeeds.
package datachannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/resilience"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/pion/webrtc/v4"
)

// Channel is the subset of *webrtc.DataChannel the transport uses.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnError(f func(err error))
	SendText(s string) error
	Close() error
}

var _ Channel = (*webrtc.DataChannel)(nil)

var errChannelClosed = errors.New("data channel closed")

// Transport never reconnects on its own: a dead data channel can only be
// replaced by a new negotiation.
type Transport struct {
	ch    Channel
	log   *slog.Logger
	queue *transports.SignalQueue

	done     chan struct{}
	doneOnce sync.Once
	hookOnce sync.Once

	mu      sync.Mutex
	machine transports.Machine
}

var _ transports.Transport = (*Transport)(nil)

func New(ch Channel, logger *slog.Logger) *Transport {
	return &Transport{
		ch:      ch,
		log:     logging.NewComponentLogger(logger, "datachannel_transport").With("label", ch.Label()),
		queue:   transports.NewSignalQueue(),
		done:    make(chan struct{}),
		machine: transports.NewMachine(resilience.ReconnectPolicy{}),
	}
}

func (t *Transport) Name() string { return "datachannel" }

func (t *Transport) Signals() <-chan transports.Signal { return t.queue.C() }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) State() transports.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.State
}

// Open reports Connecting until the channel's open callback fires. A channel
// that is already open is reported Connected immediately.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	d := t.stepLocked(transports.Input{Kind: transports.InputOpen})
	t.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	if !d.Dial {
		return nil
	}
	t.hookOnce.Do(t.attach)

	switch t.ch.ReadyState() {
	case webrtc.DataChannelStateOpen:
		t.feed(transports.Input{Kind: transports.InputEstablished})
	case webrtc.DataChannelStateClosing, webrtc.DataChannelStateClosed:
		t.feed(transports.Input{
			Kind: transports.InputDialFailed,
			Err:  errorsx.Wrap(errChannelClosed, errorsx.ReasonTransportClosed),
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = t.Close(transports.CloseNormal, "context cancelled")
			case <-t.done:
			}
		}()
	}
	return nil
}

func (t *Transport) attach() {
	t.ch.OnOpen(func() {
		t.feed(transports.Input{Kind: transports.InputEstablished})
	})
	t.ch.OnClose(func() {
		t.feed(transports.Input{
			Kind: transports.InputClosed,
			Code: transports.CloseAbnormal,
			Err:  errorsx.Wrap(errChannelClosed, errorsx.ReasonTransportClosed),
		})
	})
	t.ch.OnError(t.Fail)
	t.ch.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.machine.State != transports.StateConnected {
			return
		}
		t.queue.Push(transports.MessageSignal(msg.Data))
	})
}

// Fail marks the channel as lost, e.g. when the peer connection failed.
func (t *Transport) Fail(err error) {
	if err == nil {
		err = errChannelClosed
	}
	t.feed(transports.Input{
		Kind: transports.InputClosed,
		Code: transports.CloseAbnormal,
		Err:  errorsx.Wrap(err, errorsx.ReasonTransportClosed),
	})
}

func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	state := t.machine.State
	t.mu.Unlock()
	if state != transports.StateConnected {
		t.log.Warn("transport_send_dropped", "state", state.String(), "bytes", len(payload))
		return transports.ErrNotConnected
	}
	if err := t.ch.SendText(string(payload)); err != nil {
		t.Fail(fmt.Errorf("send: %w", err))
	}
	return nil
}

func (t *Transport) Close(code int, reason string) error {
	if code == 0 {
		code = transports.CloseNormal
	}
	t.mu.Lock()
	if t.machine.Terminal {
		t.mu.Unlock()
		return nil
	}
	t.stepLocked(transports.Input{Kind: transports.InputCloseRequested, Code: code})
	t.mu.Unlock()

	err := t.ch.Close()
	t.log.Debug("transport_closed", "code", code, "reason", reason)
	t.queue.Close()
	t.doneOnce.Do(func() { close(t.done) })
	return err
}

func (t *Transport) feed(in transports.Input) {
	t.mu.Lock()
	d := t.stepLocked(in)
	terminal := t.machine.Terminal
	t.mu.Unlock()
	// A duplicate open callback is ignored; an open after Close is not.
	if d.Release && terminal && in.Kind == transports.InputEstablished {
		_ = t.ch.Close()
	}
}

func (t *Transport) stepLocked(in transports.Input) transports.Decision {
	m, d := t.machine.Step(in)
	t.machine = m
	for _, sig := range d.Signals {
		t.queue.Push(sig)
		switch {
		case sig.State == transports.StateConnected:
			t.log.Info("transport_connected")
		case sig.State == transports.StateDisconnected && sig.Err != nil:
			t.log.Warn("transport_disconnected", "error", sig.Err.Error(), "final", sig.Final)
		case sig.State == transports.StateDisconnected:
			t.log.Info("transport_disconnected", "code", sig.Code, "final", sig.Final)
		}
	}
	return d
}
