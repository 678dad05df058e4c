// Package session drives one conversation with the avatar server: it routes
// inbound events, owns the conversational status and gates outbound intents.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/stream"
	"github.com/harunnryd/avatarlink/pkg/transports"
)

const DefaultLegacySpeaking = 3 * time.Second

type Config struct {
	Address            string
	LegacySpeaking     time.Duration
	IdleTimeout        time.Duration
	DefaultAudioFormat string
	OrderChunksByIndex bool
}

func (c Config) withDefaults() Config {
	if c.LegacySpeaking <= 0 {
		c.LegacySpeaking = DefaultLegacySpeaking
	}
	if strings.TrimSpace(c.DefaultAudioFormat) == "" {
		c.DefaultAudioFormat = media.DefaultSubtype
	}
	return c
}

type Option func(*Session)

func WithCapture(d CaptureDevice) Option { return func(s *Session) { s.capture = d } }

func WithPlayback(p PlaybackSink) Option { return func(s *Session) { s.playback = p } }

func WithVideo(v VideoSink) Option { return func(s *Session) { s.video = v } }

func WithObserver(o metrics.Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.baseLog = l } }

func WithID(id string) Option { return func(s *Session) { s.id = id } }

// WithRedactor filters user and agent text before it is logged.
func WithRedactor(fn func(string) string) Option {
	return func(s *Session) {
		if fn != nil {
			s.redact = fn
		}
	}
}

// timerSlot is a cancellable, generation-tagged timer owned by the loop.
type timerSlot struct {
	gen   uint64
	timer *time.Timer
}

type Session struct {
	cfg      Config
	id       string
	tr       transports.Transport
	httpBase string

	capture  CaptureDevice
	playback PlaybackSink
	video    VideoSink
	observer metrics.Observer
	baseLog  *slog.Logger
	log      *slog.Logger
	redact   func(string) string

	cmds      chan func()
	done      chan struct{}
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	snapshot  atomic.Pointer[State]
	listeners listenerSet

	// Everything below is owned by the loop goroutine.
	state       State
	reassembler *stream.Reassembler
	current     *media.Playable
	recording   Recording
	recGen      uint64
	legacy      timerSlot
	watchdog    timerSlot
	ended       bool
}

func New(cfg Config, tr transports.Transport, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		tr:       tr,
		observer: metrics.NoopObserver{},
		redact:   func(in string) string { return in },
		cmds:     make(chan func()),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if ep, err := transports.NormalizeAddress(cfg.Address, ""); err == nil {
		s.httpBase = ep.HTTPBase
	}
	s.log = logging.NewComponentLogger(s.baseLog, "session").With("session_id", s.id)
	s.reassembler = stream.New(stream.WithIndexOrdering(cfg.OrderChunksByIndex))
	s.state = State{
		ID:             s.id,
		Status:         StatusIdle,
		AudioSupported: true,
	}
	snap := s.state
	s.snapshot.Store(&snap)
	return s
}

func (s *Session) ID() string { return s.id }

// State returns the latest published snapshot.
func (s *Session) State() State { return *s.snapshot.Load() }

// Subscribe registers a listener; the returned func removes it.
func (s *Session) Subscribe(l StateListener) func() { return s.listeners.add(l) }

// Done is closed once the control loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start launches the control loop and connects the transport. A connect
// failure leaves the session in the error status and is returned; it is not
// retried.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	go s.loop()

	if err := s.tr.Connect(ctx, s.cfg.Address); err != nil {
		s.log.Error("session_connect_failed", "address", s.cfg.Address, "error", err)
		s.post(func() {
			s.state.Status = StatusError
			s.state.LastError = err.Error()
			s.publish("connect failed")
		})
		return err
	}
	return nil
}

// Close tears the session down: the transport is closed, any transfer or
// recording in flight is abandoned, media is released and the loop exits.
// It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if !s.started.Load() {
			err = s.tr.Close()
			return
		}
		res := make(chan error, 1)
		select {
		case s.cmds <- func() {
			s.closed("")
			res <- s.tr.Close()
			s.cancel()
		}:
			err = <-res
		case <-s.done:
		}
		<-s.done
	})
	return err
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	if !s.started.Load() {
		return notReady("session not started")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res := make(chan error, 1)
	select {
	case s.cmds <- func() { res <- fn() }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting for it to run.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.disarm(&s.legacy)
	defer s.disarm(&s.watchdog)

	recv := s.tr.Recv()
	var playback <-chan PlaybackEvent
	if s.playback != nil {
		playback = s.playback.Events()
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-recv:
			if !ok {
				recv = nil
				s.transportEnded()
				continue
			}
			s.handleFrame(f)
		case ev, ok := <-playback:
			if !ok {
				playback = nil
				continue
			}
			s.handlePlayback(ev)
		case fn := <-s.cmds:
			fn()
		}
	}
}

// publish stores a new snapshot and notifies listeners when anything changed.
func (s *Session) publish(reason string) {
	s.syncWatchdog()
	prev := *s.snapshot.Load()
	next := s.state
	if s.current != nil {
		next.MediaID, next.MediaMIME = s.current.ID, s.current.MIME
	} else {
		next.MediaID, next.MediaMIME = "", ""
	}
	s.state.MediaID, s.state.MediaMIME = next.MediaID, next.MediaMIME
	if prev == next {
		return
	}
	s.snapshot.Store(&next)
	if prev.Status != next.Status {
		s.log.Debug("session_status_changed", "from", prev.Status, "to", next.Status, "reason", reason)
		s.record(metrics.EventStatusChanged, 0, map[string]string{
			metrics.TagFrom:   string(prev.Status),
			metrics.TagTo:     string(next.Status),
			metrics.TagReason: reason,
		}, nil)
	}
	s.listeners.notify(StateChange{From: prev, To: next, Timestamp: time.Now(), Reason: reason})
}

func (s *Session) record(name string, value float64, tags map[string]string, fields map[string]any) {
	if tags == nil {
		tags = make(map[string]string, 1)
	}
	tags[metrics.TagSessionID] = s.id
	s.observer.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Value:  value,
		Tags:   tags,
		Fields: fields,
	})
}

// arm replaces whatever timer the slot holds. fire runs on the loop, and only
// if the slot was not re-armed or disarmed in the meantime.
func (s *Session) arm(slot *timerSlot, d time.Duration, fire func()) {
	s.disarm(slot)
	gen := slot.gen
	slot.timer = time.AfterFunc(d, func() {
		s.post(func() {
			if slot.gen != gen {
				return
			}
			slot.timer = nil
			fire()
		})
	})
}

func (s *Session) disarm(slot *timerSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
}

// syncWatchdog keeps the idle timer running only while waiting on the server.
func (s *Session) syncWatchdog() {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	if !s.state.Status.waiting() {
		if s.watchdog.timer != nil {
			s.disarm(&s.watchdog)
		}
		return
	}
	s.arm(&s.watchdog, s.cfg.IdleTimeout, s.idleTimeout)
}

func (s *Session) idleTimeout() {
	if !s.state.Status.waiting() {
		return
	}
	s.log.Warn("session_idle_timeout", "status", s.state.Status, "timeout", s.cfg.IdleTimeout)
	s.record(metrics.EventIdleTimeout, 0, map[string]string{metrics.TagKind: string(s.state.Status)}, nil)
	s.reassembler.Reset()
	s.state.Status = StatusError
	s.state.LastError = "timed out waiting for server"
	s.publish("idle timeout")
}
