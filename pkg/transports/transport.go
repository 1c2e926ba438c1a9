package transports

import (
	"context"
	"errors"

	"github.com/harunnryd/parla/pkg/errorsx"
)

// CloseNormal is the WebSocket close code for an intentional shutdown. Any
// other code is treated as abnormal and may trigger a reconnect.
const CloseNormal = 1000

// CloseAbnormal is reported when a connection drops without a close frame.
const CloseAbnormal = 1006

var (
	// ErrNotConnected is returned by Send outside the Connected state.
	// Payloads are never queued.
	ErrNotConnected = errorsx.Wrap(errors.New("transport not connected"), errorsx.ReasonTransportNotConnected)
	// ErrClosed is returned by Open after the owner called Close.
	ErrClosed = errorsx.Wrap(errors.New("transport closed"), errorsx.ReasonTransportClosed)
	// ErrRetriesExhausted is carried by the final Disconnected signal once
	// the reconnect policy gives up.
	ErrRetriesExhausted = errorsx.Wrap(errors.New("reconnect attempts exhausted"), errorsx.ReasonTransportRetriesExhausted)
)

// Transport is one duplex event channel to the relay or the voice provider.
//
// Every state change and inbound message is delivered on Signals in the
// order it happened. Signals is closed after Close once the final signal has
// been delivered; owners must keep draining it until then.
type Transport interface {
	Name() string
	// Open starts connecting. It is a no-op while Connecting or Connected and
	// returns ErrClosed after Close.
	Open(ctx context.Context) error
	// Send writes one text message. Outside Connected it returns
	// ErrNotConnected without queuing. Write failures on a live connection
	// surface as a Disconnected signal, not as an error here.
	Send(payload []byte) error
	// Close is terminal and idempotent. It suppresses reconnection and
	// invalidates every pending callback and timer.
	Close(code int, reason string) error
	State() ConnectionState
	Signals() <-chan Signal
	Done() <-chan struct{}
}
