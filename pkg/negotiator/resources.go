package negotiator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/transports/datachannel"
)

// resources is everything one negotiation acquired. Once released, further
// acquisitions are refused and must be released by the caller that made them.
type resources struct {
	mu       sync.Mutex
	released bool
	ready    bool

	transport    *datachannel.Transport
	channel      datachannel.Channel
	peer         Peer
	stream       LocalStream
	sink         PlaybackSink
	sinkAttached bool
}

// keep runs fn under the record's lock unless it was already released.
func (r *resources) keep(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	fn()
	return true
}

func (r *resources) isReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready && !r.released
}

func (r *resources) startStream() {
	r.mu.Lock()
	stream := r.stream
	released := r.released
	r.mu.Unlock()
	if stream != nil && !released {
		stream.Start()
	}
}

func (r *resources) fail(err error) {
	r.mu.Lock()
	tr := r.transport
	r.mu.Unlock()
	if tr != nil {
		tr.Fail(err)
	}
}

// release closes the data channel, the peer connection, the local stream and
// the playback sink, in that order, skipping what was never acquired.
func (r *resources) release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	tr, ch, peer, stream := r.transport, r.channel, r.peer, r.stream
	sink, attached := r.sink, r.sinkAttached
	r.mu.Unlock()

	var errs []error
	switch {
	case tr != nil:
		if err := tr.Close(transports.CloseNormal, "negotiator released"); err != nil {
			errs = append(errs, fmt.Errorf("data channel: %w", err))
		}
	case ch != nil:
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("data channel: %w", err))
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer: %w", err))
		}
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stream: %w", err))
		}
	}
	if sink != nil && attached {
		if err := sink.Release(); err != nil {
			errs = append(errs, fmt.Errorf("sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
