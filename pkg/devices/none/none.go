// Package none provides devices for headless runs: audio is acknowledged
// without being played and video is only logged.
package none

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/redact"
	"github.com/harunnryd/avatarlink/pkg/session"
)

// Playback reports every handle as started and, after Hold, ended.
type Playback struct {
	Hold time.Duration

	events chan session.PlaybackEvent
	mu     sync.Mutex
	stop   chan struct{}
}

func NewPlayback(hold time.Duration) *Playback {
	return &Playback{Hold: hold, events: make(chan session.PlaybackEvent, 16)}
}

func (p *Playback) Events() <-chan session.PlaybackEvent { return p.events }

func (p *Playback) Play(_ context.Context, h *media.Playable) error {
	stop := make(chan struct{})
	p.mu.Lock()
	p.stopLocked()
	p.stop = stop
	p.mu.Unlock()

	id := h.ID
	go func() {
		if !p.send(stop, session.PlaybackEvent{Kind: session.PlaybackStarted, HandleID: id}) {
			return
		}
		t := time.NewTimer(p.Hold)
		defer t.Stop()
		select {
		case <-t.C:
		case <-stop:
			return
		}
		p.send(stop, session.PlaybackEvent{Kind: session.PlaybackEnded, HandleID: id})
	}()
	return nil
}

func (p *Playback) send(stop <-chan struct{}, ev session.PlaybackEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-stop:
		return false
	}
}

func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *Playback) stopLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

// Video logs the stream URL.
type Video struct {
	Log *slog.Logger
}

func (v Video) PlayVideo(_ context.Context, url string) error {
	if v.Log != nil {
		v.Log.Info("video_stream_ready", "url", redact.URL(url))
	}
	return nil
}

func (Video) Stop() error { return nil }

var (
	_ session.PlaybackSink = (*Playback)(nil)
	_ session.VideoSink    = Video{}
)
