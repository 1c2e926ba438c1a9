package parla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/harunnryd/parla/pkg/audio"
	"github.com/harunnryd/parla/pkg/lifecycle"
)

// Session is one tutoring conversation run by the engine.
type Session struct {
	ID         string
	Controller *lifecycle.Controller

	engine *Engine
	log    *slog.Logger
	// clips is nil in provider mode, where the microphone track streams.
	clips audio.Source
}

// ErrNoUtterances is returned by Speak once the audio source is exhausted.
var ErrNoUtterances = errors.New("no utterances left")

// Start runs the controller, then loads the session metadata and hands it
// over. The relay connection is already being established meanwhile.
func (s *Session) Start(ctx context.Context) error {
	if err := s.Controller.Start(ctx); err != nil {
		return err
	}
	if b := s.engine.backend; b != nil {
		if err := b.StartSession(ctx, s.ID); err != nil {
			s.log.Warn("backend_start_failed", "error", err)
		}
	}
	cfg, err := s.engine.loadConfig(ctx, s.ID)
	if err != nil {
		_ = s.Controller.EndSession(ctx)
		return fmt.Errorf("load session %s: %w", s.ID, err)
	}
	s.log.Info("session_loaded", "language", cfg.TargetLanguage(), "level", cfg.Level(), "topic", cfg.Topic())
	return s.Controller.SetSessionData(ctx, cfg)
}

// Finish ends the session and submits the transcript to the backend.
func (s *Session) Finish(ctx context.Context) error {
	if err := s.Controller.EndSession(ctx); err != nil {
		return err
	}
	records := s.Controller.Records()
	if s.engine.backend == nil || len(records) == 0 {
		return nil
	}
	if err := s.engine.backend.SubmitTranscript(ctx, s.ID, records); err != nil {
		return fmt.Errorf("submit transcript: %w", err)
	}
	s.log.Info("transcript_submitted", "turns", len(records))
	return nil
}

// Speak sends the next recorded utterance to the relay and returns its size.
// In provider mode the microphone track is streaming already and Speak
// does nothing.
func (s *Session) Speak(ctx context.Context) (int, error) {
	if s.clips == nil {
		return 0, nil
	}
	clip, err := s.clips.Next(ctx)
	if errors.Is(err, io.EOF) {
		return 0, ErrNoUtterances
	}
	if err != nil {
		return 0, fmt.Errorf("next utterance: %w", err)
	}
	if err := s.Controller.SendAudio(ctx, clip); err != nil {
		return 0, err
	}
	return len(clip), nil
}

func (s *Session) finished() bool {
	select {
	case <-s.Controller.Done():
		return true
	default:
		return false
	}
}
