package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/avatarlink/pkg/logging"
	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/metrics"
	"github.com/harunnryd/avatarlink/pkg/transports/mock"
	"github.com/stretchr/testify/require"
)

type played struct {
	id   string
	mime string
	url  string
	data []byte
	h    *media.Playable
}

type fakePlayback struct {
	mu      sync.Mutex
	plays   []played
	stops   int
	playErr error
	events  chan PlaybackEvent
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{events: make(chan PlaybackEvent, 16)}
}

func (f *fakePlayback) Play(_ context.Context, p *media.Playable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays = append(f.plays, played{id: p.ID, mime: p.MIME, url: p.URL, data: append([]byte(nil), p.Data()...), h: p})
	return nil
}

func (f *fakePlayback) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakePlayback) Events() <-chan PlaybackEvent { return f.events }

func (f *fakePlayback) Plays() []played {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]played(nil), f.plays...)
}

func (f *fakePlayback) emit(kind PlaybackEventKind, id string) {
	f.events <- PlaybackEvent{Kind: kind, HandleID: id}
}

type fakeRecording struct {
	mu      sync.Mutex
	data    []byte
	err     error
	stopped bool
}

func (r *fakeRecording) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return r.data, r.err
}

func (r *fakeRecording) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

type fakeCapture struct {
	mu       sync.Mutex
	rec      *fakeRecording
	startErr error
}

func (c *fakeCapture) Start(context.Context) (Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	return c.rec, nil
}

type fakeVideo struct {
	mu    sync.Mutex
	urls  []string
	stops int
}

func (v *fakeVideo) PlayVideo(_ context.Context, url string) error {
	v.mu.Lock()
	v.urls = append(v.urls, url)
	v.mu.Unlock()
	return nil
}

func (v *fakeVideo) Stop() error {
	v.mu.Lock()
	v.stops++
	v.mu.Unlock()
	return nil
}

func (v *fakeVideo) Stops() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stops
}

func (v *fakeVideo) URLs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.urls...)
}

type harness struct {
	s   *Session
	tr  *mock.Transport
	pb  *fakePlayback
	obs *metrics.MemoryObserver
}

// start builds a session on a mock transport and waits until it is connected.
func start(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	return startWith(t, mock.New(), cfg, opts...)
}

func startWith(t *testing.T, tr *mock.Transport, cfg Config, opts ...Option) *harness {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "localhost"
	}
	h := &harness{tr: tr, pb: newFakePlayback(), obs: metrics.NewMemoryObserver()}
	all := append([]Option{WithPlayback(h.pb), WithObserver(h.obs), WithLogger(logging.Discard())}, opts...)
	h.s = New(cfg, tr, all...)
	require.NoError(t, h.s.Start(context.Background()))
	t.Cleanup(func() { _ = h.s.Close() })
	h.eventually(t, func(st State) bool { return st.Connected })
	return h
}

func (h *harness) push(t *testing.T, msg string) {
	t.Helper()
	require.True(t, h.tr.PushText(msg), "transport not open")
}

func (h *harness) eventually(t *testing.T, cond func(State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.s.State()) }, 2*time.Second, 5*time.Millisecond,
		"last state: %+v", h.s.State())
}

// settle waits until every frame pushed so far has been routed.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.do(context.Background(), func() error { return nil }))
	require.Eventually(t, func() bool { return len(h.tr.Recv()) == 0 }, 2*time.Second, 2*time.Millisecond)
	require.NoError(t, h.s.do(context.Background(), func() error { return nil }))
}
