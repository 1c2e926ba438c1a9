package negotiator

import (
	"context"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/transports/datachannel"
	"github.com/pion/webrtc/v4"
)

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	r.steps = append(r.steps, step)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

func (r *recorder) has(step string) bool {
	for _, s := range r.list() {
		if s == step {
			return true
		}
	}
	return false
}

type fakeBroker struct {
	rec     *recorder
	token   string
	err     error
	release chan struct{}
}

func (b *fakeBroker) EphemeralToken(ctx context.Context, instructions string) (string, error) {
	b.rec.add("credential")
	if b.release != nil {
		<-b.release
	}
	return b.token, b.err
}

type fakeChannel struct {
	rec    *recorder
	onOpen func()
}

func (c *fakeChannel) Label() string                                 { return DefaultChannelLabel }
func (c *fakeChannel) ReadyState() webrtc.DataChannelState           { return webrtc.DataChannelStateConnecting }
func (c *fakeChannel) OnOpen(fn func())                              { c.onOpen = fn }
func (c *fakeChannel) OnClose(func())                                {}
func (c *fakeChannel) OnMessage(func(msg webrtc.DataChannelMessage)) {}
func (c *fakeChannel) OnError(func(error))                           {}
func (c *fakeChannel) SendText(string) error                         { return nil }
func (c *fakeChannel) Close() error {
	c.rec.add("close:channel")
	return nil
}

type fakePeer struct {
	rec      *recorder
	channel  *fakeChannel
	onTrack  func(*webrtc.TrackRemote)
	onState  func(webrtc.PeerConnectionState)
	answer   string
	offerErr error
	tracks   int
}

func (p *fakePeer) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	p.rec.add("on_track")
	p.onTrack = fn
}

func (p *fakePeer) OnStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error {
	p.rec.add("add_track")
	p.tracks++
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (datachannel.Channel, error) {
	p.rec.add("data_channel")
	p.channel = &fakeChannel{rec: p.rec}
	return p.channel, nil
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) {
	p.rec.add("offer")
	if p.offerErr != nil {
		return "", p.offerErr
	}
	return "v=0\r\no=- offer\r\n", nil
}

func (p *fakePeer) SetAnswer(sdp string) error {
	p.rec.add("answer")
	p.answer = sdp
	return nil
}

func (p *fakePeer) Close() error {
	p.rec.add("close:peer")
	return nil
}

type fakeStream struct {
	rec     *recorder
	started bool
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{nil} }
func (s *fakeStream) Start()                      { s.started = true }
func (s *fakeStream) Close() error {
	s.rec.add("close:stream")
	return nil
}

type fakeSource struct {
	rec    *recorder
	err    error
	stream *fakeStream
}

func (s *fakeSource) Acquire(context.Context) (LocalStream, error) {
	s.rec.add("acquire")
	if s.err != nil {
		return nil, s.err
	}
	s.stream = &fakeStream{rec: s.rec}
	return s.stream, nil
}

type fakeSink struct{ rec *recorder }

func (s *fakeSink) Attach(*webrtc.TrackRemote) error {
	s.rec.add("sink:attach")
	return nil
}

func (s *fakeSink) Release() error {
	s.rec.add("close:sink")
	return nil
}

type harness struct {
	rec    *recorder
	broker *fakeBroker
	peer   *fakePeer
	source *fakeSource
	server *httptest.Server
	n      *Negotiator

	mu      sync.Mutex
	request *http.Request
	body    string
	hold    chan struct{}
}

func newHarness(t *testing.T, status int, opts ...Option) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.request = r
		h.body = string(body)
		hold := h.hold
		h.mu.Unlock()
		h.rec.add("post")
		if hold != nil {
			<-hold
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("v=0\r\no=- answer\r\n"))
	}))
	t.Cleanup(h.server.Close)

	h.broker = &fakeBroker{rec: h.rec, token: "ek_test_0123456789"}
	h.peer = &fakePeer{rec: h.rec}
	h.source = &fakeSource{rec: h.rec}
	h.n = New(Settings{SignalingURL: h.server.URL + "/v1/realtime", Model: "gpt-test"}, h.broker,
		append([]Option{
			WithPeerFactory(func(webrtc.Configuration) (Peer, error) {
				h.rec.add("peer")
				return h.peer, nil
			}),
			WithMediaSource(h.source),
			WithPlaybackSink(&fakeSink{rec: h.rec}),
			WithHTTPClient(h.server.Client()),
		}, opts...)...,
	)
	return h
}

func equalSteps(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("steps\n got: %v\nwant: %v", got, want)
	}
}

func TestConnectRunsStepsInOrder(t *testing.T) {
	h := newHarness(t, http.StatusCreated)
	tr, err := h.n.Connect(context.Background(), "Talk about food.")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	equalSteps(t, h.rec.list(), []string{
		"credential", "peer", "on_track", "acquire", "add_track", "data_channel", "offer", "post", "answer",
	})

	h.mu.Lock()
	req, body := h.request, h.body
	h.mu.Unlock()
	if req.Header.Get("Content-Type") != "application/sdp" {
		t.Fatalf("unexpected content type %q", req.Header.Get("Content-Type"))
	}
	if req.Header.Get("Authorization") != "Bearer ek_test_0123456789" {
		t.Fatalf("unexpected authorization header")
	}
	if req.URL.Query().Get("model") != "gpt-test" {
		t.Fatalf("expected model query, got %q", req.URL.RawQuery)
	}
	if !strings.HasPrefix(body, "v=0") {
		t.Fatalf("expected SDP offer body, got %q", body)
	}
	if !strings.Contains(h.peer.answer, "answer") {
		t.Fatalf("answer not applied")
	}

	// The data channel open callback is the authoritative Connected.
	if tr.State() != transports.StateConnecting {
		t.Fatalf("expected connecting before open, got %s", tr.State())
	}
	h.peer.channel.onOpen()
	deadline := time.After(time.Second)
	for tr.State() != transports.StateConnected {
		select {
		case <-deadline:
			t.Fatalf("transport never connected")
		case <-tr.Signals():
		}
	}

	h.peer.onState(webrtc.PeerConnectionStateConnected)
	if !h.source.stream.started {
		t.Fatalf("local stream not started on peer connect")
	}

	again, err := h.n.Connect(context.Background(), "Talk about food.")
	if err != nil || again != tr {
		t.Fatalf("expected idempotent connect, got %v %v", again, err)
	}
}

func TestDisconnectReleasesInOrder(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	if _, err := h.n.Connect(context.Background(), "x"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.peer.onTrack(nil)
	h.n.Disconnect()
	h.n.Disconnect()

	steps := h.rec.list()
	equalSteps(t, steps[len(steps)-4:], []string{"close:channel", "close:peer", "close:stream", "close:sink"})
	closes := 0
	for _, s := range steps {
		if strings.HasPrefix(s, "close:") {
			closes++
		}
	}
	if closes != 4 {
		t.Fatalf("expected each resource released once, got %v", steps)
	}
}

func TestSignalingFailureIsFatalAndReleases(t *testing.T) {
	h := newHarness(t, http.StatusUnauthorized)
	_, err := h.n.Connect(context.Background(), "x")
	if !errorsx.IsClass(err, errorsx.ClassNegotiation) {
		t.Fatalf("expected negotiation error, got %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonNegotiationSignaling) {
		t.Fatalf("expected signaling reason, got %s", errorsx.Reason(err))
	}
	if h.rec.has("answer") {
		t.Fatalf("answer applied after failed signaling")
	}
	steps := h.rec.list()
	equalSteps(t, steps[len(steps)-3:], []string{"close:channel", "close:peer", "close:stream"})
}

func TestEmptyTokenStopsBeforePeer(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.broker.token = "  "
	_, err := h.n.Connect(context.Background(), "x")
	if !errorsx.HasReason(err, errorsx.ReasonNegotiationCredential) {
		t.Fatalf("expected credential error, got %v", err)
	}
	equalSteps(t, h.rec.list(), []string{"credential"})
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.source.err = ErrPermissionDenied
	_, err := h.n.Connect(context.Background(), "x")
	if !errorsx.IsClass(err, errorsx.ClassPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if h.rec.has("data_channel") {
		t.Fatalf("data channel created after permission failure")
	}
	if !h.rec.has("close:peer") {
		t.Fatalf("peer not released")
	}
}

func TestDisconnectDuringConnectCancels(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.broker.release = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		_, err := h.n.Connect(context.Background(), "x")
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !h.rec.has("credential") {
		if time.Now().After(deadline) {
			t.Fatalf("connect never started")
		}
		time.Sleep(time.Millisecond)
	}
	h.n.Disconnect()
	close(h.broker.release)

	err := <-errCh
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if h.rec.has("peer") {
		t.Fatalf("peer created after disconnect")
	}
}

func TestDisconnectDuringSignalingReleasesOnce(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	hold := make(chan struct{})
	h.mu.Lock()
	h.hold = hold
	h.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := h.n.Connect(context.Background(), "x")
		errCh <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !h.rec.has("post") {
		if time.Now().After(deadline) {
			t.Fatalf("signaling never started")
		}
		time.Sleep(time.Millisecond)
	}
	h.n.Disconnect()
	h.n.Disconnect()
	close(hold)

	err := <-errCh
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if h.rec.has("answer") {
		t.Fatalf("answer applied after disconnect")
	}
	counts := map[string]int{}
	for _, s := range h.rec.list() {
		if strings.HasPrefix(s, "close:") {
			counts[s]++
		}
	}
	for _, res := range []string{"close:channel", "close:peer", "close:stream"} {
		if counts[res] != 1 {
			t.Fatalf("expected %s once, got %v", res, h.rec.list())
		}
	}
}

func TestTransportLogsCarryOneComponent(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Options{Level: slog.LevelDebug, Output: &buf})
	h := newHarness(t, http.StatusOK, WithLogger(log))

	tr, err := h.n.Connect(context.Background(), "x")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = tr.Close(transports.CloseNormal, "done")

	found := false
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Count(line, `"component"`) != 1 {
			t.Fatalf("expected exactly one component key: %s", line)
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if rec["component"] == "datachannel_transport" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no datachannel transport log in %s", buf.String())
	}
}

func TestOfferFailureReleasesAcquired(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	h.peer.offerErr = errors.New("gathering timed out")
	_, err := h.n.Connect(context.Background(), "x")
	if !errorsx.HasReason(err, errorsx.ReasonNegotiationSDP) {
		t.Fatalf("expected sdp reason, got %v", err)
	}
	if h.rec.has("post") {
		t.Fatalf("signaling attempted without an offer")
	}
	if !h.rec.has("close:channel") || !h.rec.has("close:stream") {
		t.Fatalf("resources leaked: %v", h.rec.list())
	}
}

func TestSettingsEndpoint(t *testing.T) {
	s := Settings{SignalingURL: "https://api.example.com/v1/realtime"}.withDefaults()
	got, err := s.endpoint()
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if got != "https://api.example.com/v1/realtime?model="+DefaultModel {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if _, err := DecodeSettings(map[string]any{"signaling_url": "ftp://x"}); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := DecodeSettings(map[string]any{"request_timeout": "-5s"}); err == nil {
		t.Fatalf("expected a negative request timeout to be rejected")
	}
}
