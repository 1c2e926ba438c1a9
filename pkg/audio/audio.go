// Package audio supplies the student's recorded utterances for the relay
// and keeps the tutor's spoken replies.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Source hands out one recorded utterance per call. Next returns io.EOF
// once the source has nothing more to say.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// Sink plays or stores one tutor reply.
type Sink interface {
	Play(clip []byte) error
}

// SilenceSource produces WAV clips of 16-bit mono silence.
type SilenceSource struct {
	SampleRate int
	Duration   time.Duration
}

func (s SilenceSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := s.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	d := s.Duration
	if d <= 0 {
		d = 2 * time.Second
	}
	samples := int(d.Seconds() * float64(rate))
	return EncodeWAV(make([]byte, samples*2), rate), nil
}

// EncodeWAV wraps little-endian 16-bit mono PCM in a RIFF/WAVE header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		Size          uint32
		Format        uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 1, 1, uint32(sampleRate), uint32(sampleRate * 2), 2, 16})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// FileSource sends prerecorded clips in order, as the browser sends each
// push-to-talk recording. The container is passed through untouched.
type FileSource struct {
	Paths []string
	// Loop starts over after the last clip instead of returning io.EOF.
	Loop bool

	mu   sync.Mutex
	next int
}

func NewFileSource(paths []string, loop bool) (*FileSource, error) {
	if len(paths) == 0 {
		return nil, errors.New("audio: no clip files configured")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("audio clip %s: %w", p, err)
		}
	}
	return &FileSource{Paths: append([]string(nil), paths...), Loop: loop}, nil
}

func (s *FileSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.next >= len(s.Paths) {
		if !s.Loop || len(s.Paths) == 0 {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.next = 0
	}
	path := s.Paths[s.next]
	s.next++
	s.mu.Unlock()
	return os.ReadFile(path)
}

// DirSink writes every tutor reply to its own file.
type DirSink struct {
	Dir    string
	Prefix string
	// Ext overrides the extension; by default WAV clips get wav and
	// anything else mp3, the relay's synthesis format.
	Ext string

	count atomic.Int64
}

func (d *DirSink) Play(clip []byte) error {
	if len(clip) == 0 {
		return nil
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return err
	}
	ext := d.Ext
	switch {
	case ext != "":
	case bytes.HasPrefix(clip, []byte("RIFF")):
		ext = "wav"
	default:
		ext = "mp3"
	}
	n := d.count.Add(1)
	name := fmt.Sprintf("%s-tutor-%03d.%s", d.Prefix, n, ext)
	return os.WriteFile(filepath.Join(d.Dir, name), clip, 0o644)
}

// Clips reports how many replies were written.
func (d *DirSink) Clips() int64 { return d.count.Load() }

// DiscardSink drops replies, counting what it dropped.
type DiscardSink struct {
	bytes atomic.Int64
}

func (d *DiscardSink) Play(clip []byte) error {
	d.bytes.Add(int64(len(clip)))
	return nil
}

func (d *DiscardSink) Bytes() int64 { return d.bytes.Load() }
