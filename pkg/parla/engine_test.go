package parla

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/parla/pkg/events"
	"github.com/harunnryd/parla/pkg/lifecycle"
	"github.com/harunnryd/parla/pkg/metrics"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/transports/mock"
)

type fakeBackend struct {
	mu       sync.Mutex
	started  []string
	complete []events.TurnRecord
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/conversation-sessions/s-1":
		_, _ = w.Write([]byte(`{"id":"s-1","exam":{"id":"e-1","title":"Unit 1","target_language":"Spanish","difficulty_level":"A1","topic":"greetings"}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/conversation-sessions/s-1/start":
		b.started = append(b.started, "s-1")
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPost && r.URL.Path == "/conversation-sessions/s-1/complete":
		var body struct {
			Turns []events.TurnRecord `json:"turns"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.complete = body.Turns
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func captureRegistry() (*Registry, func() *mock.Transport) {
	var mu sync.Mutex
	var last *mock.Transport
	r := NewRegistry()
	r.RegisterTransport("capture", func(Config, string, *slog.Logger) (transports.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		last = mock.New(mock.WithAutoEstablish())
		return last, nil
	})
	return r, func() *mock.Transport {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEngineRelaySessionWithBackend(t *testing.T) {
	fb := &fakeBackend{}
	srv := httptest.NewServer(fb)
	defer srv.Close()
	dir := t.TempDir()

	registry, transport := captureRegistry()
	memory := metrics.NewMemoryObserver()
	eng, err := NewEngine(EngineOptions{
		Config: Config{
			Mode:       ModeRelay,
			Transports: VendorConfig{Provider: "capture"},
			Backend:    VendorConfig{Settings: map[string]any{"base_url": srv.URL, "token": "secret"}},
			Observability: ObservabilityConfig{
				ArtifactsDir:  dir,
				Timeline:      true,
				Summary:       true,
				AudioSampling: 1,
			},
		},
		Registry:   registry,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		HTTPClient: srv.Client(),
		Observer:   memory,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := eng.NewSession("s-1")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := eng.NewSession("s-2"); !errors.Is(err, lifecycle.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive, got %v", err)
	}

	tr := transport()
	eventually(t, func() bool { return len(tr.Sent()) == 1 })
	var cfg struct {
		Type           string `json:"type"`
		TargetLanguage string `json:"targetLanguage"`
		Topic          string `json:"topic"`
	}
	if err := json.Unmarshal(tr.Sent()[0], &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Type != "config" || cfg.TargetLanguage != "Spanish" || cfg.Topic != "greetings" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	tr.Deliver([]byte(`{"type":"tutor_message","text":"¡Hola! ¿Cómo estás?"}`))
	tr.Deliver([]byte(`{"type":"transcript","text":"Muy bien, gracias"}`))
	eventually(t, func() bool { return len(sess.Controller.Transcript()) == 2 })

	if err := sess.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	fb.mu.Lock()
	started, complete := len(fb.started), fb.complete
	fb.mu.Unlock()
	if started != 1 {
		t.Fatal("expected the backend session to be started")
	}
	if len(complete) != 2 || complete[0].Speaker != "tutor" || complete[1].Number != 2 {
		t.Fatalf("unexpected submitted transcript %+v", complete)
	}

	if err := eng.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s-1.summary.json")); err != nil {
		t.Fatalf("expected session summary: %v", err)
	}
	if n := len(memory.Named(metrics.EventTurnFinalized)); n != 2 {
		t.Fatalf("expected 2 turn metrics, got %d", n)
	}
	if _, err := eng.NewSession("s-3"); !errors.Is(err, lifecycle.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded after drain, got %v", err)
	}
}

func TestEngineOfflineSessionGeneratesID(t *testing.T) {
	registry, transport := captureRegistry()
	eng, err := NewEngine(EngineOptions{
		Config: Config{
			Mode:       ModeRelay,
			Transports: VendorConfig{Provider: "capture"},
			Session:    SessionConfig{TargetLanguage: "French", Topic: "weather"},
		},
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Drain()

	sess, err := eng.NewSession("")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session id")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, func() bool { return transport() != nil && len(transport().Sent()) == 1 })
	if err := sess.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if sess.Controller.State() != lifecycle.StateEnded {
		t.Fatalf("expected ended, got %s", sess.Controller.State())
	}
}

func TestEngineUnknownTransport(t *testing.T) {
	_, err := NewEngine(EngineOptions{Config: Config{
		Mode:       ModeRelay,
		Transports: VendorConfig{Provider: "carrier-pigeon"},
		Session:    SessionConfig{TargetLanguage: "French"},
	}})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("expected an unregistered transport error, got %v", err)
	}
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"provider without backend", Config{
			Mode:       ModeProvider,
			Negotiator: VendorConfig{Provider: "webrtc"},
			Session:    SessionConfig{TargetLanguage: "French"},
		}},
		{"unknown mode", Config{Mode: "telepathy"}},
		{"unregistered audio source", Config{
			Mode:       ModeRelay,
			Transports: VendorConfig{Provider: "ws"},
			Media:      MediaConfig{Source: "tape"},
			Session:    SessionConfig{TargetLanguage: "French"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if eng, err := NewEngine(EngineOptions{Config: tc.cfg}); err == nil {
				_ = eng.Drain()
				t.Fatal("expected NewEngine to fail")
			}
		})
	}
}

func TestEngineRelaySpeakAndTutorAudio(t *testing.T) {
	registry, transport := captureRegistry()
	recordings := t.TempDir()
	eng, err := NewEngine(EngineOptions{
		Config: Config{
			Mode:       ModeRelay,
			Transports: VendorConfig{Provider: "capture"},
			Session:    SessionConfig{TargetLanguage: "Italian", Topic: "food"},
			Media: MediaConfig{
				Source:     "silence",
				SampleRate: 16000,
				Utterance:  100 * time.Millisecond,
				RecordDir:  recordings,
			},
		},
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Drain()

	sess, err := eng.NewSession("s-audio")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, func() bool { return transport() != nil && len(transport().Sent()) == 1 })
	tr := transport()

	reply := base64.StdEncoding.EncodeToString([]byte("ID3-fake-mp3"))
	tr.Deliver([]byte(`{"type":"tutor_message","text":"Ciao!","audio":"` + reply + `"}`))
	clip := filepath.Join(recordings, "s-audio-tutor-001.mp3")
	eventually(t, func() bool {
		got, err := os.ReadFile(clip)
		return err == nil && string(got) == "ID3-fake-mp3"
	})

	n, err := sess.Speak(ctx)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if want := 44 + 16000/10*2; n != want {
		t.Fatalf("expected a %d byte utterance, got %d", want, n)
	}
	eventually(t, func() bool { return len(tr.Sent()) == 2 })
	var msg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(tr.Sent()[1], &msg); err != nil {
		t.Fatalf("decode audio message: %v", err)
	}
	wav, err := base64.StdEncoding.DecodeString(msg.Audio)
	if msg.Type != "audio" || err != nil || len(wav) != n || string(wav[:4]) != "RIFF" {
		t.Fatalf("unexpected audio message type=%q len=%d err=%v", msg.Type, len(wav), err)
	}

	tr.Deliver([]byte(`{"type":"transcript","text":"Mi piace la pasta"}`))
	eventually(t, func() bool { return len(sess.Controller.Transcript()) == 2 })
	if err := sess.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestSessionSpeakReportsExhaustedFiles(t *testing.T) {
	dir := t.TempDir()
	clip := filepath.Join(dir, "hola.ogg")
	if err := os.WriteFile(clip, []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	registry, transport := captureRegistry()
	eng, err := NewEngine(EngineOptions{
		Config: Config{
			Mode:       ModeRelay,
			Transports: VendorConfig{Provider: "capture"},
			Session:    SessionConfig{TargetLanguage: "Spanish"},
			Media:      MediaConfig{Source: "files", Files: []string{clip}},
		},
		Registry: registry,
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng.Drain()
	sess, err := eng.NewSession("")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, func() bool { return transport() != nil && len(transport().Sent()) == 1 })

	if n, err := sess.Speak(ctx); err != nil || n != 4 {
		t.Fatalf("first Speak: n=%d err=%v", n, err)
	}
	if _, err := sess.Speak(ctx); !errors.Is(err, ErrNoUtterances) {
		t.Fatalf("expected ErrNoUtterances, got %v", err)
	}
}
