package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned by Stop when the drainer did not finish in time.
var ErrDrainTimeout = errors.New("drain timeout")

type Options struct {
	Drainer Drainer
	Hooks   Hooks
	// DrainTimeout bounds Drainer.Drain. Defaults to 10s.
	DrainTimeout time.Duration
	// Banner receives the startup banner; nil prints nothing.
	Banner  io.Writer
	Tagline string
}

type LifecycleRunner struct {
	state    int32
	ctx      context.Context
	cancel   context.CancelFunc
	onceStop sync.Once
	opts     Options
	stopErr  error
}

var _ Runner = (*LifecycleRunner)(nil)

func NewLifecycleRunner(opts Options) *LifecycleRunner {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleRunner{
		state:  int32(StateNew),
		ctx:    ctx,
		cancel: cancel,
		opts:   opts,
	}
}

// Run prints the banner, runs OnStart and blocks until ctx is cancelled or
// Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("runner: already started")
	}
	PrintBanner(r.opts.Banner, r.opts.Tagline)
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.opts.Hooks.OnStart != nil {
		if err := r.opts.Hooks.OnStart(r.ctx); err != nil {
			r.cancel()
			return errors.Join(err, r.stop())
		}
	}
	r.setState(StateRunning)
	<-r.ctx.Done()
	return r.stop()
}

func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

// Context is cancelled when the runner starts stopping.
func (r *LifecycleRunner) Context() context.Context { return r.ctx }

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.opts.Drainer != nil {
			done := make(chan error, 1)
			go func() { done <- r.opts.Drainer.Drain() }()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.opts.DrainTimeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.opts.Hooks.OnStop != nil {
			r.opts.Hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
