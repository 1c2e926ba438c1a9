// Package negotiator establishes the WebRTC session with the voice provider:
// credential, peer connection, media, data channel and SDP exchange, in that
// order, and tears it all down again.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/harunnryd/parla/pkg/errorsx"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/redact"
	"github.com/harunnryd/parla/pkg/transports/datachannel"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/harunnryd/parla/pkg/negotiator"

var tracer = otel.Tracer(scopeName)

// ErrCancelled is returned by a Connect that was superseded by Disconnect
// or by a newer Connect.
var ErrCancelled = errorsx.Wrap(errors.New("negotiation cancelled"), errorsx.ReasonNegotiationCancelled)

// CredentialBroker issues short-lived provider credentials scoped to a
// session's instructions.
type CredentialBroker interface {
	EphemeralToken(ctx context.Context, instructions string) (string, error)
}

// Negotiator owns at most one provider session at a time.
type Negotiator struct {
	settings Settings
	broker   CredentialBroker
	newPeer  PeerFactory
	source   MediaSource
	sink     PlaybackSink
	client   *http.Client
	log      *slog.Logger
	// base is the caller's logger; transports add their own component.
	base *slog.Logger

	mu  sync.Mutex
	gen uint64
	res *resources
}

type Option func(*Negotiator)

func WithPeerFactory(f PeerFactory) Option {
	return func(n *Negotiator) { n.newPeer = f }
}

func WithMediaSource(s MediaSource) Option {
	return func(n *Negotiator) { n.source = s }
}

func WithPlaybackSink(s PlaybackSink) Option {
	return func(n *Negotiator) { n.sink = s }
}

func WithHTTPClient(c *http.Client) Option {
	return func(n *Negotiator) { n.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) { n.log = l }
}

func New(settings Settings, broker CredentialBroker, opts ...Option) *Negotiator {
	n := &Negotiator{
		settings: settings.withDefaults(),
		broker:   broker,
		newPeer:  NewPionPeer,
		source:   SilentSource{},
		sink:     &DiscardSink{},
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.client == nil {
		n.client = &http.Client{
			Timeout: n.settings.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "signaling " + r.Method
				}),
			),
		}
	}
	n.base = n.log
	n.log = logging.NewComponentLogger(n.base, "negotiator")
	return n
}

// Connect runs the negotiation. Calling it while a session is established
// returns the existing transport; calling it while another Connect is in
// flight supersedes that attempt. Any failure releases everything acquired.
func (n *Negotiator) Connect(ctx context.Context, instructions string) (*datachannel.Transport, error) {
	ctx, span := tracer.Start(ctx, "negotiate session",
		trace.WithAttributes(attribute.String("webrtc.model", n.settings.Model)))
	defer span.End()

	n.mu.Lock()
	if n.res != nil && n.res.isReady() {
		tr := n.res.transport
		n.mu.Unlock()
		return tr, nil
	}
	n.gen++
	gen := n.gen
	stale := n.res
	res := &resources{sink: n.sink}
	n.res = res
	n.mu.Unlock()
	if stale != nil {
		n.release(stale)
	}

	tr, err := n.connect(ctx, gen, res, instructions)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = errorsx.Errorf(errorsx.ReasonNegotiationCancelled, "negotiation: %w", err)
		}
		n.abort(gen, res)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.log.Warn("negotiation_failed", "error", err.Error(), "reason_code", string(errorsx.Reason(err)))
		return nil, err
	}
	n.log.Info("negotiation_complete", "model", n.settings.Model)
	return tr, nil
}

func (n *Negotiator) connect(ctx context.Context, gen uint64, res *resources, instructions string) (*datachannel.Transport, error) {
	// 1. credential
	token, err := n.broker.EphemeralToken(ctx, instructions)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationCredential, "credential: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationCredential, "credential: broker returned an empty token")
	}
	n.log.Debug("negotiation_credential", "token", redact.Secret(token))
	if n.stale(gen) {
		return nil, ErrCancelled
	}

	// 2. peer connection
	peer, err := n.newPeer(n.settings.peerConfig())
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationPeer, "peer connection: %w", err)
	}
	if !res.keep(func() { res.peer = peer }) {
		_ = peer.Close()
		return nil, ErrCancelled
	}

	// 3. inbound media, registered before the offer
	peer.OnRemoteTrack(func(track *webrtc.TrackRemote) {
		if !res.keep(func() { res.sinkAttached = true }) {
			return
		}
		if err := res.sink.Attach(track); err != nil {
			n.log.Warn("playback_attach_failed", "error", err.Error())
		}
	})
	peer.OnStateChange(func(state webrtc.PeerConnectionState) {
		n.log.Debug("peer_state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			res.startStream()
		case webrtc.PeerConnectionStateFailed:
			res.fail(fmt.Errorf("peer connection %s", state))
		}
	})

	// 4. local media
	stream, err := n.source.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, fs.ErrPermission) {
			return nil, errorsx.Errorf(errorsx.ReasonPermissionDenied, "microphone: %w", err)
		}
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationPeer, "media source: %w", err)
	}
	if !res.keep(func() { res.stream = stream }) {
		_ = stream.Close()
		return nil, ErrCancelled
	}
	for _, track := range stream.Tracks() {
		if err := peer.AddTrack(track); err != nil {
			return nil, errorsx.Errorf(errorsx.ReasonNegotiationPeer, "add track: %w", err)
		}
	}

	// 5. data channel
	ch, err := peer.CreateDataChannel(n.settings.ChannelLabel)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationPeer, "data channel: %w", err)
	}
	tr := datachannel.New(ch, n.base)
	if !res.keep(func() { res.channel, res.transport = ch, tr }) {
		_ = tr.Close(0, "cancelled")
		return nil, ErrCancelled
	}
	if err := tr.Open(context.Background()); err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationPeer, "data channel: %w", err)
	}

	// 6. offer
	gatherCtx, cancel := context.WithTimeout(ctx, n.settings.GatherTimeout)
	offer, err := peer.CreateOffer(gatherCtx)
	cancel()
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationSDP, "offer: %w", err)
	}
	if n.stale(gen) {
		return nil, ErrCancelled
	}

	// 7. signaling
	answer, err := n.exchange(ctx, token, offer)
	if err != nil {
		return nil, err
	}
	if n.stale(gen) {
		return nil, ErrCancelled
	}

	// 8. answer
	if err := peer.SetAnswer(answer); err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonNegotiationSDP, "answer: %w", err)
	}
	if !res.keep(func() { res.ready = true }) {
		return nil, ErrCancelled
	}
	return tr, nil
}

func (n *Negotiator) exchange(ctx context.Context, token, offer string) (string, error) {
	ctx, span := tracer.Start(ctx, "exchange sdp")
	defer span.End()

	endpoint, err := n.settings.endpoint()
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonNegotiationSignaling, "signaling url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonNegotiationSignaling, "signaling request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := n.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", errorsx.Errorf(errorsx.ReasonNegotiationSignaling, "signaling: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errorsx.Errorf(errorsx.ReasonNegotiationSignaling, "signaling body: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := errorsx.Errorf(errorsx.ReasonNegotiationSignaling, "signaling status %d: %s",
			resp.StatusCode, redact.Text(strings.TrimSpace(string(body))))
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=0") {
		return "", errorsx.Errorf(errorsx.ReasonNegotiationSDP, "signaling returned a non-SDP body (%d bytes)", len(body))
	}
	return answer, nil
}

// Disconnect releases the current session, or cancels one being negotiated.
// It is idempotent.
func (n *Negotiator) Disconnect() {
	n.mu.Lock()
	n.gen++
	res := n.res
	n.res = nil
	n.mu.Unlock()
	if res != nil {
		n.release(res)
	}
}

func (n *Negotiator) stale(gen uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gen != gen
}

// abort releases res after a failed attempt, unless a newer call already did.
func (n *Negotiator) abort(gen uint64, res *resources) {
	n.mu.Lock()
	if n.gen == gen && n.res == res {
		n.res = nil
	}
	n.mu.Unlock()
	n.release(res)
}

func (n *Negotiator) release(res *resources) {
	if err := res.release(); err != nil {
		n.log.Warn("negotiation_release_failed", "error", err.Error())
	}
}
