package runner

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrDrainTimeout = errors.New("drain timeout")
)

type LifecycleRunner struct {
	state    atomic.Int32
	mu       sync.Mutex
	cancel   context.CancelFunc
	stopped  bool
	onceStop sync.Once
	hooks    Hooks
	drainer  Drainer
	stopErr  error
	timeout  time.Duration

	// Banner receives the startup banner; nil disables it.
	Banner io.Writer
	Title  string
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &LifecycleRunner{
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
		Title:   "AVATARLINK",
	}
	r.setState(StateNew)
	return r
}

// Run starts, then blocks until ctx is cancelled or Stop is called, then drains.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return ErrInvalidState
	}
	if ctx == nil {
		ctx = context.Background()
	}
	PrintBanner(r.Banner, r.Title)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return r.stop()
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	if r.hooks.OnStart != nil {
		if err := r.hooks.OnStart(ctx); err != nil {
			return errors.Join(err, r.stop())
		}
	}
	r.casState(StateStarting, StateRunning)
	<-ctx.Done()
	return r.stop()
}

// Stop ends Run; before Run it only drains.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	r.stopped = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		if r.drainer != nil {
			done := make(chan error, 1)
			go func() {
				done <- r.drainer.Drain()
			}()
			select {
			case err := <-done:
				r.stopErr = err
			case <-time.After(r.timeout):
				r.stopErr = ErrDrainTimeout
			}
		}
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	r.state.Store(int32(s))
}
