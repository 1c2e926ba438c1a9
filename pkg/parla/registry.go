package parla

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/negotiator"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/transports/mock"
	"github.com/harunnryd/parla/pkg/transports/ws"
)

// TransportBuilder builds the relay transport for one session.
type TransportBuilder func(cfg Config, sessionID string, logger *slog.Logger) (transports.Transport, error)

// MediaSourceBuilder builds the microphone stand-in for provider mode.
type MediaSourceBuilder func(cfg Config) (negotiator.MediaSource, error)

// AudioSourceBuilder builds the recorded utterances sent in relay mode.
type AudioSourceBuilder func(cfg Config) (audio.Source, error)

type Registry struct {
	transports map[string]TransportBuilder
	media      map[string]MediaSourceBuilder
	audio      map[string]AudioSourceBuilder
}

// NewRegistry returns a registry with the built-in ws and mock transports,
// the silence and ogg media sources, and the silence, ogg and files
// utterance sources.
func NewRegistry() *Registry {
	r := &Registry{
		transports: make(map[string]TransportBuilder),
		media:      make(map[string]MediaSourceBuilder),
		audio:      make(map[string]AudioSourceBuilder),
	}
	r.RegisterTransport("ws", buildWSTransport)
	r.RegisterTransport("mock", func(Config, string, *slog.Logger) (transports.Transport, error) {
		return mock.New(mock.WithAutoEstablish()), nil
	})
	r.RegisterMediaSource("silence", func(Config) (negotiator.MediaSource, error) {
		return negotiator.SilentSource{}, nil
	})
	r.RegisterMediaSource("ogg", func(cfg Config) (negotiator.MediaSource, error) {
		return negotiator.OggFileSource{Path: cfg.Media.File, Loop: cfg.Media.Loop}, nil
	})
	r.RegisterAudioSource("silence", func(cfg Config) (audio.Source, error) {
		return audio.SilenceSource{SampleRate: cfg.Media.SampleRate, Duration: cfg.Media.Utterance}, nil
	})
	clips := func(cfg Config) (audio.Source, error) {
		return audio.NewFileSource(cfg.Media.clipPaths(), cfg.Media.Loop)
	}
	r.RegisterAudioSource("ogg", clips)
	r.RegisterAudioSource("files", clips)
	return r
}

func (r *Registry) RegisterTransport(name string, b TransportBuilder) {
	r.transports[normalizeName(name)] = b
}

func (r *Registry) RegisterMediaSource(name string, b MediaSourceBuilder) {
	r.media[normalizeName(name)] = b
}

func (r *Registry) RegisterAudioSource(name string, b AudioSourceBuilder) {
	r.audio[normalizeName(name)] = b
}

// Check reports a provider or source named by cfg that nothing registered.
func (r *Registry) Check(cfg Config) error {
	source := sourceName(cfg.Media.Source)
	switch cfg.Mode {
	case ModeProvider:
		if r.media[source] == nil {
			return fmt.Errorf("media source not registered: %s", source)
		}
	default:
		if r.transports[normalizeName(cfg.Transports.Provider)] == nil {
			return fmt.Errorf("transport provider not registered: %s", cfg.Transports.Provider)
		}
		if r.audio[source] == nil {
			return fmt.Errorf("audio source not registered: %s", source)
		}
	}
	return nil
}

func (r *Registry) BuildTransport(provider string, cfg Config, sessionID string, logger *slog.Logger) (transports.Transport, error) {
	fn := r.transports[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn(cfg, sessionID, logger)
}

func (r *Registry) BuildMediaSource(name string, cfg Config) (negotiator.MediaSource, error) {
	fn := r.media[sourceName(name)]
	if fn == nil {
		return nil, fmt.Errorf("media source not registered: %s", name)
	}
	return fn(cfg)
}

func (r *Registry) BuildAudioSource(name string, cfg Config) (audio.Source, error) {
	fn := r.audio[sourceName(name)]
	if fn == nil {
		return nil, fmt.Errorf("audio source not registered: %s", name)
	}
	return fn(cfg)
}

func buildWSTransport(cfg Config, sessionID string, logger *slog.Logger) (transports.Transport, error) {
	settings, err := ws.DecodeSettings(cfg.Transports.Settings)
	if err != nil {
		return nil, err
	}
	settings.URL = strings.ReplaceAll(settings.URL, "{session_id}", url.PathEscape(sessionID))
	return ws.New(settings, logger), nil
}

func sourceName(name string) string {
	if n := normalizeName(name); n != "" {
		return n
	}
	return "silence"
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
