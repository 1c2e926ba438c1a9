// Package ws implements the relay transport over a gorilla WebSocket with
// bounded automatic reconnection.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/transports"
)

// Transport is a reconnecting WebSocket client. Connection state is owned by
// a transports.Machine; every dial, read loop and retry timer is tagged with
// the generation it was started under and ignored once that generation is
// superseded.
type Transport struct {
	settings Settings
	dialer   *websocket.Dialer
	header   http.Header
	log      *slog.Logger
	queue    *transports.SignalQueue

	baseCtx context.Context
	cancel  context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex
	machine transports.Machine
	gen     uint64
	conn    *conn
	timer   *time.Timer
}

var _ transports.Transport = (*Transport)(nil)

// New builds a Transport. Settings are completed with defaults; call
// Settings.Validate or DecodeSettings beforehand to reject bad input.
func New(settings Settings, logger *slog.Logger) *Transport {
	settings = settings.withDefaults()
	header := http.Header{}
	for k, v := range settings.Headers {
		header.Set(k, v)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		header:  header,
		log:     logging.NewComponentLogger(logger, "ws_transport"),
		queue:   transports.NewSignalQueue(),
		baseCtx: ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		machine: transports.NewMachine(settings.Policy()),
	}
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Signals() <-chan transports.Signal { return t.queue.C() }

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) State() transports.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.State
}

// Open starts connecting. Cancelling ctx closes the transport.
func (t *Transport) Open(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	d, released := t.stepLocked(transports.Input{Kind: transports.InputOpen})
	t.mu.Unlock()
	released.shutdown(0, "")
	if d.Err != nil {
		return d.Err
	}
	if d.Dial && ctx.Done() != nil {
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

func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	c := t.conn
	state := t.machine.State
	t.mu.Unlock()
	if state != transports.StateConnected || c == nil {
		t.log.Warn("transport_send_dropped", "state", state.String(), "bytes", len(payload))
		return transports.ErrNotConnected
	}
	select {
	case c.sendCh <- payload:
		return nil
	case <-c.quit:
		return transports.ErrNotConnected
	default:
		t.log.Warn("transport_send_dropped", "reason", "buffer_full", "bytes", len(payload))
		return errorsx.Errorf(errorsx.ReasonTransportSend, "send buffer full (%d messages)", cap(c.sendCh))
	}
}

// Close is terminal. A live connection receives a close frame with code.
func (t *Transport) Close(code int, reason string) error {
	if code == 0 {
		code = transports.CloseNormal
	}
	t.mu.Lock()
	if t.machine.Terminal {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	t.stopTimerLocked()
	_, released := t.stepLocked(transports.Input{Kind: transports.InputCloseRequested, Code: code})
	t.mu.Unlock()

	released.shutdown(code, reason)
	t.cancel()
	t.queue.Close()
	t.doneOnce.Do(func() { close(t.done) })
	return nil
}

// stepLocked feeds in to the machine and performs every effect that does not
// need network I/O. The returned connection, if any, must be shut down by the
// caller after releasing the lock.
func (t *Transport) stepLocked(in transports.Input) (transports.Decision, *conn) {
	m, d := t.machine.Step(in)
	t.machine = m
	for _, sig := range d.Signals {
		t.queue.Push(sig)
		t.logSignal(sig)
	}
	var released *conn
	if d.Release && t.conn != nil {
		released = t.conn
		t.conn = nil
	}
	if d.ScheduleRetry {
		t.stopTimerLocked()
		gen := t.gen
		t.timer = time.AfterFunc(d.RetryAfter, func() { t.retry(gen) })
	}
	if d.Dial {
		t.stopTimerLocked()
		t.gen++
		go t.dial(t.gen)
	}
	return d, released
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) retry(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	_, released := t.stepLocked(transports.Input{Kind: transports.InputRetryFired})
	t.mu.Unlock()
	released.shutdown(0, "")
}

func (t *Transport) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(t.baseCtx, t.settings.HandshakeTimeout)
	ws, resp, err := t.dialer.DialContext(ctx, t.settings.URL, t.header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		_, released := t.stepLocked(transports.Input{
			Kind: transports.InputDialFailed,
			Err:  errorsx.Wrap(err, errorsx.ReasonTransportDial),
		})
		t.mu.Unlock()
		released.shutdown(0, "")
		return
	}
	d, _ := t.stepLocked(transports.Input{Kind: transports.InputEstablished})
	if d.Release {
		t.mu.Unlock()
		_ = ws.Close()
		return
	}
	if wait := t.pongWait(); wait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}
	c := newConn(ws, t.settings.SendBuffer)
	t.conn = c
	t.mu.Unlock()

	go t.readLoop(c)
	go t.writeLoop(c)
}

// pongWait is how long the reader tolerates silence when pings are enabled.
func (t *Transport) pongWait() time.Duration {
	every := t.settings.pingInterval()
	if every <= 0 {
		return 0
	}
	return 2 * every
}

func (t *Transport) readLoop(c *conn) {
	wait := t.pongWait()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			t.lost(c, closeCode(err), errorsx.Wrap(err, errorsx.ReasonTransportClosed))
			return
		}
		if wait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		}
		t.mu.Lock()
		if t.conn == c {
			t.queue.Push(transports.MessageSignal(msg))
		}
		t.mu.Unlock()
	}
}

func (t *Transport) writeLoop(c *conn) {
	defer close(c.writerDone)
	var ping <-chan time.Time
	if every := t.settings.pingInterval(); every > 0 {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-c.quit:
			c.flush(t.settings.WriteTimeout)
			return
		case msg := <-c.sendCh:
			if err := c.write(msg, t.settings.WriteTimeout); err != nil {
				t.lost(c, transports.CloseAbnormal, errorsx.Wrap(err, errorsx.ReasonTransportSend))
				return
			}
		case <-ping:
			deadline := time.Now().Add(t.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.lost(c, transports.CloseAbnormal, errorsx.Wrap(err, errorsx.ReasonTransportSend))
				return
			}
		}
	}
}

// lost reports that c stopped working. Reports for a connection that is no
// longer current are ignored.
func (t *Transport) lost(c *conn, code int, err error) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	if code == transports.CloseNormal {
		err = nil
	}
	_, released := t.stepLocked(transports.Input{Kind: transports.InputClosed, Code: code, Err: err})
	t.mu.Unlock()
	released.shutdown(0, "")
}

func (t *Transport) logSignal(sig transports.Signal) {
	switch sig.State {
	case transports.StateConnecting:
		t.log.Info("transport_connecting", "url", t.settings.URL, "attempt", sig.Attempt)
	case transports.StateConnected:
		t.log.Info("transport_connected", "url", t.settings.URL, "attempt", sig.Attempt)
	case transports.StateClosing:
		t.log.Debug("transport_closing", "code", sig.Code)
	case transports.StateDisconnected:
		attrs := []any{"code", sig.Code, "attempt", sig.Attempt}
		if sig.Err != nil {
			attrs = append(attrs, "error", sig.Err.Error(), "reason_code", string(errorsx.Reason(sig.Err)))
		}
		switch {
		case sig.Retrying:
			t.log.Warn("transport_retry_scheduled", attrs...)
		case errors.Is(sig.Err, transports.ErrRetriesExhausted):
			t.log.Error("transport_retries_exhausted", attrs...)
		default:
			t.log.Info("transport_disconnected", append(attrs, "final", sig.Final)...)
		}
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return transports.CloseAbnormal
}

type conn struct {
	ws         *websocket.Conn
	sendCh     chan []byte
	quit       chan struct{}
	writerDone chan struct{}
	once       sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	return &conn{
		ws:         ws,
		sendCh:     make(chan []byte, buffer),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

func (c *conn) write(msg []byte, timeout time.Duration) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

// flush writes whatever Send queued before shutdown began.
func (c *conn) flush(timeout time.Duration) {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg, timeout); err != nil {
				return
			}
		default:
			return
		}
	}
}

// shutdown stops the write loop and closes the socket. A non-zero code lets
// the writer flush queued messages, then sends a close frame. Safe on a nil
// receiver.
func (c *conn) shutdown(code int, reason string) {
	if c == nil {
		return
	}
	c.once.Do(func() {
		close(c.quit)
		if code != 0 {
			select {
			case <-c.writerDone:
			case <-time.After(time.Second):
			}
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = c.ws.Close()
	})
}
