package negotiator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// ErrPermissionDenied is returned by a MediaSource when the user refused
// access to the capture device.
var ErrPermissionDenied = errors.New("media access denied")

const (
	opusClockRate = 48000
	opusChannels  = 2
	opusFrame     = 20 * time.Millisecond
)

var opusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   opusClockRate,
	Channels:    opusChannels,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// MediaSource supplies the student's outbound audio.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// LocalStream is an acquired capture stream. Start begins producing samples
// once the peer is connected; Close stops it and releases the device.
type LocalStream interface {
	Tracks() []webrtc.TrackLocal
	Start()
	Close() error
}

// PlaybackSink consumes the tutor's inbound audio track.
type PlaybackSink interface {
	Attach(track *webrtc.TrackRemote) error
	Release() error
}

// sampleStream runs a producer goroutine against a static sample track.
type sampleStream struct {
	track   *webrtc.TrackLocalStaticSample
	produce func(stop <-chan struct{}, track *webrtc.TrackLocalStaticSample)
	closer  io.Closer

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSampleStream(id string, produce func(<-chan struct{}, *webrtc.TrackLocalStaticSample), closer io.Closer) (*sampleStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(opusCodec, "audio", id)
	if err != nil {
		return nil, err
	}
	return &sampleStream{track: track, produce: produce, closer: closer, stop: make(chan struct{})}, nil
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{s.track} }

func (s *sampleStream) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.produce(s.stop, s.track)
	}()
}

func (s *sampleStream) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// SilentSource sends Opus silence. It keeps the provider's media path open
// when no capture device is available.
type SilentSource struct{}

var opusSilence = []byte{0xf8, 0xff, 0xfe}

func (SilentSource) Acquire(ctx context.Context) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newSampleStream("silence", func(stop <-chan struct{}, track *webrtc.TrackLocalStaticSample) {
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					return
				}
			}
		}
	}, nil)
}

// OggFileSource streams an Ogg/Opus file as the microphone.
type OggFileSource struct {
	Path string
	// Loop restarts the file at EOF instead of falling silent.
	Loop bool
}

func (s OggFileSource) Acquire(ctx context.Context) (LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}
	if _, _, err := oggreader.NewWith(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ogg %s: %w", s.Path, err)
	}
	return newSampleStream("ogg", func(stop <-chan struct{}, track *webrtc.TrackLocalStaticSample) {
		s.play(f, stop, track)
	}, f)
}

func (s OggFileSource) play(f *os.File, stop <-chan struct{}, track *webrtc.TrackLocalStaticSample) {
	for {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return
		}
		ogg, _, err := oggreader.NewWith(f)
		if err != nil {
			return
		}
		if !streamPages(ogg, stop, track) || !s.Loop {
			return
		}
	}
}

// streamPages paces Ogg pages by their granule positions. It reports false
// when stopped.
func streamPages(ogg *oggreader.OggReader, stop <-chan struct{}, track *webrtc.TrackLocalStaticSample) bool {
	var lastGranule uint64
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return false
		case <-ticker.C:
		}
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return true
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(float64(samples)/opusClockRate*1000) * time.Millisecond
		if err := track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return false
		}
	}
}

// DiscardSink reads and drops the tutor's audio.
type DiscardSink struct {
	bytes atomic.Int64
}

func (d *DiscardSink) Attach(track *webrtc.TrackRemote) error {
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			d.bytes.Add(int64(n))
		}
	}()
	return nil
}

func (d *DiscardSink) Release() error { return nil }

// Bytes reports how much audio was drained.
func (d *DiscardSink) Bytes() int64 { return d.bytes.Load() }

// OggRecorder writes each attached Opus track to its own Ogg file under Dir.
type OggRecorder struct {
	Dir    string
	Prefix string

	mu      sync.Mutex
	seq     int
	writers []*oggwriter.OggWriter
	files   []string
}

func (r *OggRecorder) Attach(track *webrtc.TrackRemote) error {
	if mime := track.Codec().MimeType; mime != webrtc.MimeTypeOpus {
		return fmt.Errorf("ogg recorder: unsupported codec %s", mime)
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return err
	}
	prefix := r.Prefix
	if prefix == "" {
		prefix = "tutor"
	}
	r.mu.Lock()
	r.seq++
	path := filepath.Join(r.Dir, fmt.Sprintf("%s-%03d.ogg", prefix, r.seq))
	w, err := oggwriter.New(path, opusClockRate, opusChannels)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.writers = append(r.writers, w)
	r.files = append(r.files, path)
	r.mu.Unlock()

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			if err := w.WriteRTP(pkt); err != nil {
				return
			}
		}
	}()
	return nil
}

// Release finalizes every open recording.
func (r *OggRecorder) Release() error {
	r.mu.Lock()
	writers := r.writers
	r.writers = nil
	r.mu.Unlock()
	var errs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Files lists the recordings written so far.
func (r *OggRecorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}
