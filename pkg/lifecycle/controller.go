// Package lifecycle owns one tutoring session: it connects the transport,
// sends the session config once per connection, assembles turns, and ends
// the session on request.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/session"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/turn"
)

var (
	// ErrSessionActive is returned by Start when the controller already runs.
	ErrSessionActive = errorsx.Wrap(errors.New("session already active"), errorsx.ReasonSessionActive)
	// ErrSessionEnded is returned for any intent after the session ended.
	ErrSessionEnded = errorsx.Wrap(errors.New("session ended"), errorsx.ReasonSessionEnded)
	// ErrNotStarted is returned for intents sent before Start.
	ErrNotStarted = errorsx.Wrap(errors.New("session not started"), errorsx.ReasonSessionEnded)
)

// Link produces the transport for a session. Connect may block for the
// whole negotiation; the returned transport must already be opening.
type Link interface {
	Connect(ctx context.Context, cfg session.Config) (transports.Transport, error)
	Disconnect()
	// NeedsConfig reports whether Connect requires the session config. Links
	// that do not are connected as soon as the session starts.
	NeedsConfig() bool
}

type Options struct {
	SessionID string
	// Codec encodes outbound messages. Defaults to events.RelayCodec.
	Codec    events.Codec
	Observer metrics.Observer
	Logger   *slog.Logger
	// SampleRate of the audio passed to SendAudio, for metrics.
	SampleRate int
	Now        func() time.Time
}

type connectResult struct {
	gen       uint64
	transport transports.Transport
	err       error
}

// Controller runs the session on a single goroutine. Callbacks registered
// with OnTurn, OnStatus, OnRestore and OnAudio run on that goroutine and must
// not call back into the controller synchronously.
type Controller struct {
	link     Link
	codec    events.Codec
	log      *slog.Logger
	observer metrics.Observer
	id       string
	rate     int
	now      func() time.Time
	fsm      *fsm

	intents   chan func()
	connected chan connectResult
	done      chan struct{}

	startMu sync.Mutex
	started bool

	mu         sync.Mutex
	transcript turn.Transcript
	status     Status
	onTurn     []func(turn.Turn)
	onStatus   []func(Status)
	onRestore  []func([]turn.Turn)
	onAudio    []func([]byte)

	// Loop-owned.
	ctx           context.Context
	model         model
	transport     transports.Transport
	linkGen       uint64
	awaitingTutor bool
}

func New(link Link, opts Options) *Controller {
	if opts.Codec == nil {
		opts.Codec = events.RelayCodec{}
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	log := logging.NewComponentLogger(opts.Logger, "lifecycle")
	if opts.SessionID != "" {
		log = log.With("session_id", opts.SessionID)
	}
	c := &Controller{
		link:      link,
		codec:     opts.Codec,
		log:       log,
		observer:  opts.Observer,
		id:        opts.SessionID,
		rate:      opts.SampleRate,
		now:       opts.Now,
		fsm:       newFSM(opts.Now),
		intents:   make(chan func()),
		connected: make(chan connectResult, 1),
		done:      make(chan struct{}),
		model:     newModel(),
	}
	c.fsm.AddListener(StateListenerFunc(c.recordTransition))
	return c
}

// Start runs the session loop in the background until the session ends or
// ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	select {
	case <-c.done:
		return ErrSessionEnded
	default:
	}
	if c.started {
		return ErrSessionActive
	}
	c.started = true
	c.ctx = ctx
	go c.loop(ctx)
	return nil
}

// Run starts the session and blocks until it ended.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-c.done
	return nil
}

// Done is closed once the session ended and its resources were released.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.fsm.State() }

// Status returns the last published connection status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transcript returns the finalized turns in conversational order.
func (c *Controller) Transcript() []turn.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Turns()
}

// Records returns the transcript in the form submitted to the backend.
func (c *Controller) Records() []events.TurnRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Records()
}

func (c *Controller) OnTurn(fn func(turn.Turn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTurn = append(c.onTurn, fn)
}

func (c *Controller) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnRestore is called with the full transcript once the turns the relay
// reported on resume were merged into it.
func (c *Controller) OnRestore(fn func([]turn.Turn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRestore = append(c.onRestore, fn)
}

// OnAudio receives tutor audio delivered inline by the relay.
func (c *Controller) OnAudio(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = append(c.onAudio, fn)
}

func (c *Controller) AddListener(l StateListener) { c.fsm.AddListener(l) }

// SetSessionData provides the session metadata. The first non-empty config
// wins; later calls are ignored.
func (c *Controller) SetSessionData(ctx context.Context, cfg session.Config) error {
	return c.do(ctx, func() {
		c.apply(input{kind: inputSessionData, config: cfg})
	})
}

// SendAudio forwards one recorded utterance to the relay. It fails with
// ErrNotConnected while the relay is unreachable; the clip is not queued.
func (c *Controller) SendAudio(ctx context.Context, clip []byte) error {
	var sendErr error
	err := c.do(ctx, func() {
		if c.transport == nil || !c.model.connected {
			sendErr = transports.ErrNotConnected
			return
		}
		payload, err := c.codec.EncodeAudio(clip)
		if err != nil {
			sendErr = err
			return
		}
		if sendErr = c.transport.Send(payload); sendErr != nil {
			return
		}
		c.record(metrics.MetricsEvent{
			Name:   metrics.EventAudioSent,
			Value:  float64(len(clip)),
			Fields: map[string]any{"bytes": len(clip), "sample_rate": c.rate, "channels": 1},
		})
	})
	if err != nil {
		return err
	}
	return sendErr
}

// EndSession sends end_session when connected, tears down the transport and
// waits for the loop to finish. Calling it again is a no-op.
func (c *Controller) EndSession(ctx context.Context) error {
	if c.endUnstarted() {
		return nil
	}
	err := c.do(ctx, func() {
		c.apply(input{kind: inputEnd, reason: "ended by user"})
	})
	if err != nil && !errors.Is(err, ErrSessionEnded) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestLeave asks to abandon the session. While the conversation is under
// way confirm decides; on cancellation the session stays as it is. It
// reports whether the caller may leave.
func (c *Controller) RequestLeave(ctx context.Context, confirm func(context.Context) bool) (bool, error) {
	select {
	case <-c.done:
		return true, nil
	default:
	}
	if c.guarded() && confirm != nil && !confirm(ctx) {
		c.log.Info("leave_cancelled", "state", c.State().String())
		return false, nil
	}
	if err := c.EndSession(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// endUnstarted ends a controller that was never started. Nothing was
// acquired, so there is nothing to tear down.
func (c *Controller) endUnstarted() bool {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return false
	}
	c.started = true
	c.model.state = StateEnded
	if err := c.fsm.Transition(StateEnded, "ended before start"); err != nil {
		c.log.Error("lifecycle_transition_failed", "error", err)
	}
	c.publish(Status{Connection: transports.StateDisconnected, Ended: true})
	close(c.done)
	return true
}

// Reconnect retries the link after recovery stopped, for example once the
// reconnect policy gave up.
func (c *Controller) Reconnect(ctx context.Context) error {
	return c.do(ctx, func() {
		if !c.model.linked || c.model.state == StateEnded || c.model.connected {
			return
		}
		c.log.Info("manual_reconnect")
		c.connect()
	})
}

// guarded reports whether leaving needs confirmation: the conversation has
// begun, including while a reconnect replays the config.
func (c *Controller) guarded() bool {
	switch c.State() {
	case StateActive:
		return true
	case StateConfigured:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.transcript.Len() > 0
	}
	return false
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		return ErrNotStarted
	}
	ran := make(chan struct{})
	select {
	case c.intents <- func() { fn(); close(ran) }:
	case <-c.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer close(c.done)
	c.log.Info("session_started")
	c.apply(input{kind: inputStart, eager: !c.link.NeedsConfig()})
	for {
		var signals <-chan transports.Signal
		if c.transport != nil {
			signals = c.transport.Signals()
		}
		select {
		case <-ctx.Done():
			if c.model.state != StateEnded {
				c.apply(input{kind: inputEnd, reason: "context cancelled"})
			}
		case fn := <-c.intents:
			fn()
		case sig, ok := <-signals:
			if !ok {
				c.transport = nil
				continue
			}
			c.handleSignal(sig)
		case res := <-c.connected:
			c.handleConnected(res)
		}
		if c.model.state == StateEnded {
			c.log.Info("session_finished", "turns", len(c.Transcript()))
			return
		}
	}
}

func (c *Controller) apply(in input) {
	var cmds []command
	c.model, cmds = c.model.step(in, c.now())
	for _, cmd := range cmds {
		c.execute(cmd)
	}
}

func (c *Controller) execute(cmd command) {
	switch cmd.kind {
	case cmdConnect:
		c.connect()
	case cmdSendConfig:
		c.sendConfig()
	case cmdSendEnd:
		c.sendEnd()
	case cmdTransition:
		if err := c.fsm.Transition(cmd.state, cmd.reason); err != nil {
			c.log.Error("lifecycle_transition_failed", "error", err)
		}
	case cmdTurns:
		c.appendTurns(cmd.turns)
	case cmdRestore:
		c.restore(cmd.turns)
	case cmdStatus:
		c.publish(cmd.status)
	case cmdAudio:
		c.mu.Lock()
		fns := append([]func([]byte){}, c.onAudio...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(cmd.audio)
		}
	case cmdTeardown:
		c.teardown()
	}
}

func (c *Controller) connect() {
	c.linkGen++
	gen := c.linkGen
	cfg := c.model.config
	ctx := c.ctx
	go func() {
		tr, err := c.link.Connect(ctx, cfg)
		select {
		case c.connected <- connectResult{gen: gen, transport: tr, err: err}:
		case <-c.done:
			if tr != nil {
				_ = tr.Close(transports.CloseNormal, "session ended")
			}
		}
	}()
}

func (c *Controller) handleConnected(res connectResult) {
	if res.gen != c.linkGen || c.model.state == StateEnded {
		if res.transport != nil && res.transport != c.transport {
			c.release(res.transport)
		}
		return
	}
	if res.err != nil {
		c.log.Error("link_connect_failed", "error", res.err, "reason", string(errorsx.Reason(res.err)))
		c.publish(Status{Connection: transports.StateDisconnected, Fatal: true, Err: res.err})
		return
	}
	if res.transport != c.transport {
		if c.transport != nil {
			c.release(c.transport)
		}
		c.transport = res.transport
	}
}

func (c *Controller) handleSignal(sig transports.Signal) {
	if sig.Kind == transports.SignalMessage {
		ev, err := events.Decode(sig.Payload)
		if err != nil {
			c.log.Warn("event_decode_failed", "error", err, "reason", string(errorsx.Reason(err)))
			return
		}
		if ev.Kind == events.KindUnknown {
			c.log.Debug("event_ignored", "type", ev.Type)
			return
		}
		c.observe(ev)
		c.apply(input{kind: inputEvent, event: ev})
		return
	}

	c.record(metrics.MetricsEvent{
		Name: metrics.EventTransportState,
		Tags: map[string]string{metrics.TagState: sig.State.String(), metrics.TagTransport: c.transport.Name()},
	})
	if sig.State == transports.StateConnecting && sig.Attempt > 0 {
		c.record(metrics.MetricsEvent{Name: metrics.EventReconnect, Value: float64(sig.Attempt)})
	}
	c.apply(input{kind: inputSignal, signal: sig})
}

// observe emits the timing events the latency observer consumes.
func (c *Controller) observe(ev events.Event) {
	switch ev.Kind {
	case events.KindSpeechStopped:
		c.awaitingTutor = true
		c.record(metrics.MetricsEvent{Name: metrics.EventSpeechStopped})
	case events.KindResponseTranscriptDelta, events.KindResponseTranscriptDone, events.KindTutorMessage:
		if c.awaitingTutor {
			c.awaitingTutor = false
			c.record(metrics.MetricsEvent{Name: metrics.EventTutorFirstText})
		}
	case events.KindError:
		c.log.Warn("server_error", "message", ev.Message, "code", ev.Code)
		c.record(metrics.MetricsEvent{Name: metrics.EventServerError, Tags: map[string]string{"code": ev.Code}})
	}
}

func (c *Controller) sendConfig() {
	payload, err := c.codec.EncodeConfig(c.model.config)
	if err != nil {
		c.log.Error("config_encode_failed", "error", err)
		return
	}
	if err := c.send(payload); err != nil {
		c.log.Warn("config_send_failed", "error", err)
		return
	}
	c.log.Info("config_sent", "codec", c.codec.Name())
	c.record(metrics.MetricsEvent{Name: metrics.EventConfigSent})
}

func (c *Controller) sendEnd() {
	payload, err := c.codec.EncodeEndSession()
	if err != nil || payload == nil {
		return
	}
	if err := c.send(payload); err != nil {
		c.log.Warn("end_session_send_failed", "error", err)
		return
	}
	c.log.Info("end_session_sent")
}

func (c *Controller) send(payload []byte) error {
	if c.transport == nil {
		return transports.ErrNotConnected
	}
	return c.transport.Send(payload)
}

func (c *Controller) appendTurns(turns []turn.Turn) {
	c.mu.Lock()
	c.transcript.Append(turns...)
	fns := append([]func(turn.Turn){}, c.onTurn...)
	c.mu.Unlock()
	for _, t := range turns {
		c.record(metrics.MetricsEvent{
			Name:   metrics.EventTurnFinalized,
			Value:  float64(t.Number),
			Tags:   map[string]string{metrics.TagSpeaker: string(t.Speaker)},
			Fields: map[string]any{"chars": len(t.Transcript)},
		})
		for _, fn := range fns {
			fn(t)
		}
	}
}

func (c *Controller) restore(turns []turn.Turn) {
	c.mu.Lock()
	added := c.transcript.Merge(turns)
	restored := c.transcript.Turns()
	fns := append([]func([]turn.Turn){}, c.onRestore...)
	c.mu.Unlock()
	c.log.Info("session_resumed", "turns", len(restored), "merged", len(added))
	for _, fn := range fns {
		fn(restored)
	}
}

func (c *Controller) publish(s Status) {
	c.mu.Lock()
	c.status = s
	fns := append([]func(Status){}, c.onStatus...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// teardown releases the transport and the link. It is safe to call twice.
func (c *Controller) teardown() {
	c.linkGen++
	if c.transport != nil {
		c.release(c.transport)
		c.transport = nil
	}
	c.link.Disconnect()
}

// release closes a transport and drains its remaining signals.
func (c *Controller) release(tr transports.Transport) {
	_ = tr.Close(transports.CloseNormal, "session ended")
	go func() {
		for range tr.Signals() {
		}
	}()
}

func (c *Controller) recordTransition(change StateChange) {
	c.log.Info("lifecycle_state", "from", change.From.String(), "to", change.To.String(), "reason", change.Reason)
	c.record(metrics.MetricsEvent{
		Name: metrics.EventLifecycle,
		Time: change.Timestamp,
		Tags: map[string]string{metrics.TagState: change.To.String()},
	})
}

func (c *Controller) record(ev metrics.MetricsEvent) {
	if c.id != "" {
		tags := make(map[string]string, len(ev.Tags)+1)
		for k, v := range ev.Tags {
			tags[k] = v
		}
		tags[metrics.TagSessionID] = c.id
		ev.Tags = tags
	}
	if ev.Time.IsZero() {
		ev.Time = c.now()
	}
	metrics.Record(c.observer, ev)
}
