// Package parla wires the session engine together: configuration, the
// backend client, observers and one lifecycle controller per session.
package parla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/backend"
	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/lifecycle"
	"github.com/harunnryd/parla/pkg/logging"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/negotiator"
	"github.com/harunnryd/parla/pkg/observers"
	"github.com/harunnryd/parla/pkg/redact"
	"github.com/harunnryd/parla/pkg/session"
)

type Engine struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	backend  *backend.Client
	http     *http.Client
	peers    negotiator.PeerFactory
	sink     negotiator.PlaybackSink

	async       *metrics.AsyncObserver
	latency     *observers.LatencyObserver
	summary     *observers.SummaryObserver
	timeline    *observers.TimelineObserver
	metricsFile *os.File

	mu     sync.Mutex
	active *Session
	closed bool
}

type EngineOptions struct {
	Config   Config
	Registry *Registry
	Logger   *slog.Logger
	// HTTPClient is used for the backend and for SDP signaling.
	HTTPClient *http.Client
	// Observer receives every metrics event in addition to the configured
	// observers.
	Observer metrics.Observer
	// PeerFactory and PlaybackSink override the WebRTC defaults.
	PeerFactory  negotiator.PeerFactory
	PlaybackSink negotiator.PlaybackSink
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logging.New(logging.Options{Level: logging.ParseLevel(cfg.LogLevel), Format: cfg.LogFormat})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	if err := registry.Check(cfg); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      logging.NewComponentLogger(log, "engine"),
		registry: registry,
		http:     opts.HTTPClient,
		peers:    opts.PeerFactory,
		sink:     opts.PlaybackSink,
	}

	if cfg.HasBackend() {
		settings, err := backend.DecodeSettings(cfg.Backend.Settings)
		if err != nil {
			return nil, err
		}
		e.backend = backend.New(settings, opts.HTTPClient, log)
	}
	if cfg.Mode == ModeProvider && e.backend == nil {
		return nil, errors.New("provider mode requires a backend")
	}
	if err := e.buildObservers(opts.Observer); err != nil {
		return nil, err
	}

	e.log.Info("parla_init",
		"environment", cfg.Environment,
		"mode", cfg.Mode,
		"transport", cfg.Transports.Provider,
		"backend", e.backend != nil,
		"artifacts_dir", cfg.Observability.ArtifactsDir,
	)
	return e, nil
}

// buildObservers assembles the metrics chain. The summary sees every event;
// audio_sent is sampled before it reaches logs, latency and artifact sinks.
func (e *Engine) buildObservers(extra metrics.Observer) error {
	obs := e.cfg.Observability
	var sinks []metrics.Observer
	if dir := strings.TrimSpace(obs.ArtifactsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("artifacts dir: %w", err)
		}
		if obs.RetentionDays > 0 {
			n, err := observers.PurgeArtifacts(dir, time.Duration(obs.RetentionDays)*24*time.Hour, ".jsonl", ".json", ".ogg")
			if err != nil {
				e.log.Warn("artifact_purge_failed", "error", err)
			} else if n > 0 {
				e.log.Info("artifacts_purged", "count", n)
			}
		}
		if obs.Timeline {
			e.timeline = observers.NewTimelineObserver(dir)
			sinks = append(sinks, e.timeline)
		}
		if obs.Summary {
			e.summary = observers.NewSummaryObserver(dir)
		}
	}
	if path := strings.TrimSpace(obs.MetricsFile); path != "" {
		if dir := filepath.Dir(path); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("metrics file: %w", err)
		}
		e.metricsFile = f
		sinks = append(sinks, metrics.NewJSONLObserver(f))
	}
	if extra != nil {
		sinks = append(sinks, extra)
	}

	sinkObs := observers.NewMultiObserver(sinks...)
	e.latency = observers.NewLatencyObserver(e.log, sinkObs)
	sampled := metrics.NewSamplingObserver(
		observers.NewMultiObserver(observers.NewLoggerObserver(e.log), e.latency, sinkObs),
		obs.AudioSampling,
		metrics.EventAudioSent,
	)
	root := metrics.Observer(sampled)
	if e.summary != nil {
		root = observers.NewMultiObserver(e.summary, sampled)
	}
	e.async = metrics.NewAsyncObserver(root, obs.AsyncBuffer)
	return nil
}

// Observer is the engine's root metrics observer.
func (e *Engine) Observer() metrics.Observer { return e.async }

// Latency exposes measured tutor response latencies. They are recorded
// asynchronously, so the value for the newest tutor turn may lag.
func (e *Engine) Latency() *observers.LatencyObserver { return e.latency }

func (e *Engine) Config() Config { return e.cfg }

// NewSession prepares a session. Only one session may be open at a time.
// An empty id generates one; it is then only valid without a backend.
func (e *Engine) NewSession(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, lifecycle.ErrSessionEnded
	}
	if e.active != nil && !e.active.finished() {
		return nil, lifecycle.ErrSessionActive
	}
	if strings.TrimSpace(sessionID) == "" {
		if e.backend != nil {
			return nil, errors.New("session id is required with a backend")
		}
		sessionID = uuid.NewString()
	}

	log := e.log.With("session_id", sessionID)
	var clips audio.Source
	if e.cfg.Mode != ModeProvider {
		var err error
		if clips, err = e.registry.BuildAudioSource(e.cfg.Media.Source, e.cfg); err != nil {
			return nil, err
		}
	}
	link, codec, err := e.buildLink(sessionID, log)
	if err != nil {
		return nil, err
	}
	ctrl := lifecycle.New(link, lifecycle.Options{
		SessionID:  sessionID,
		Codec:      codec,
		Observer:   e.async,
		Logger:     log,
		SampleRate: e.cfg.Media.SampleRate,
	})
	s := &Session{ID: sessionID, Controller: ctrl, engine: e, log: log, clips: clips}
	if clips != nil {
		speaker := e.relaySink(sessionID)
		ctrl.OnAudio(func(clip []byte) {
			if err := speaker.Play(clip); err != nil {
				log.Warn("tutor_audio_failed", "error", err)
			}
		})
	}
	e.active = s
	return s, nil
}

func (e *Engine) buildLink(sessionID string, log *slog.Logger) (lifecycle.Link, events.Codec, error) {
	switch e.cfg.Mode {
	case ModeProvider:
		settings, err := negotiator.DecodeSettings(e.cfg.Negotiator.Settings)
		if err != nil {
			return nil, nil, err
		}
		source, err := e.registry.BuildMediaSource(e.cfg.Media.Source, e.cfg)
		if err != nil {
			return nil, nil, err
		}
		opts := []negotiator.Option{
			negotiator.WithMediaSource(source),
			negotiator.WithPlaybackSink(e.playbackSink(sessionID)),
			negotiator.WithLogger(log),
		}
		if e.http != nil {
			opts = append(opts, negotiator.WithHTTPClient(e.http))
		}
		if e.peers != nil {
			opts = append(opts, negotiator.WithPeerFactory(e.peers))
		}
		n := negotiator.New(settings, e.backend, opts...)
		return lifecycle.NewProviderLink(n), events.ProviderCodec{Voice: e.cfg.Media.Voice}, nil
	default:
		tr, err := e.registry.BuildTransport(e.cfg.Transports.Provider, e.cfg, sessionID, log)
		if err != nil {
			return nil, nil, err
		}
		return lifecycle.RelayLink{Transport: tr}, events.RelayCodec{}, nil
	}
}

func (e *Engine) playbackSink(sessionID string) negotiator.PlaybackSink {
	if e.sink != nil {
		return e.sink
	}
	if dir := strings.TrimSpace(e.cfg.Media.RecordDir); dir != "" {
		return &negotiator.OggRecorder{Dir: dir, Prefix: sessionID}
	}
	return &negotiator.DiscardSink{}
}

// relaySink receives the tutor audio the relay attaches to its replies.
func (e *Engine) relaySink(sessionID string) audio.Sink {
	if dir := strings.TrimSpace(e.cfg.Media.RecordDir); dir != "" {
		return &audio.DirSink{Dir: dir, Prefix: sessionID}
	}
	return &audio.DiscardSink{}
}

// loadConfig resolves the session metadata from the backend or, without
// one, from the static session block.
func (e *Engine) loadConfig(ctx context.Context, sessionID string) (session.Config, error) {
	if e.backend == nil {
		return session.New(e.cfg.Session.Params(sessionID))
	}
	rec, err := e.backend.FetchSession(ctx, sessionID)
	if err != nil {
		return session.Config{}, err
	}
	return rec.Config()
}

// Drain ends the open session and flushes every observer.
func (e *Engine) Drain() error {
	e.mu.Lock()
	e.closed = true
	active := e.active
	e.mu.Unlock()

	var errOut error
	if active != nil && !active.finished() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errOut = active.Controller.EndSession(ctx)
		cancel()
	}
	e.async.Close()
	if e.summary != nil {
		errOut = errors.Join(errOut, e.summary.Close())
	}
	if e.timeline != nil {
		errOut = errors.Join(errOut, e.timeline.Close())
	}
	if e.metricsFile != nil {
		errOut = errors.Join(errOut, e.metricsFile.Close())
	}
	return errOut
}
