package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSilenceSourceIsValidWAV(t *testing.T) {
	clip, err := SilenceSource{SampleRate: 16000, Duration: 500 * time.Millisecond}.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(clip[0:4]) != "RIFF" || string(clip[8:12]) != "WAVE" || string(clip[36:40]) != "data" {
		t.Fatalf("bad header %q", clip[:44])
	}
	if rate := binary.LittleEndian.Uint32(clip[24:28]); rate != 16000 {
		t.Fatalf("unexpected sample rate %d", rate)
	}
	if size := binary.LittleEndian.Uint32(clip[40:44]); size != 16000 || len(clip) != 44+16000 {
		t.Fatalf("unexpected data size %d (clip %d bytes)", size, len(clip))
	}
}

func TestSilenceSourceRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (SilenceSource{}).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestFileSourceOrderAndLoop(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"one", "two"} {
		p := filepath.Join(dir, name+".webm")
		if err := os.WriteFile(p, []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	ctx := context.Background()

	once, err := NewFileSource(paths, false)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	for _, want := range []string{"one", "two"} {
		got, err := once.Next(ctx)
		if err != nil || string(got) != want {
			t.Fatalf("expected %q, got %q %v", want, got, err)
		}
	}
	if _, err := once.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}

	loop, _ := NewFileSource(paths, true)
	for _, want := range []string{"one", "two", "one"} {
		if got, _ := loop.Next(ctx); string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	if _, err := NewFileSource([]string{filepath.Join(dir, "missing.webm")}, false); err == nil {
		t.Fatal("expected missing clip error")
	}
}

func TestDirSinkWritesEachReply(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replies")
	sink := &DirSink{Dir: dir, Prefix: "s-1"}
	for _, clip := range [][]byte{[]byte("first"), nil, []byte("second")} {
		if err := sink.Play(clip); err != nil {
			t.Fatalf("Play: %v", err)
		}
	}
	if sink.Clips() != 2 {
		t.Fatalf("expected 2 clips, got %d", sink.Clips())
	}
	got, err := os.ReadFile(filepath.Join(dir, "s-1-tutor-002.mp3"))
	if err != nil || string(got) != "second" {
		t.Fatalf("unexpected second clip %q %v", got, err)
	}
	if err := sink.Play(EncodeWAV(make([]byte, 8), 24000)); err != nil {
		t.Fatalf("Play wav: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s-1-tutor-003.wav")); err != nil {
		t.Fatalf("wav clip not written: %v", err)
	}
}
