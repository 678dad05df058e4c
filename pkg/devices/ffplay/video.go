package ffplay

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/session"
)

// Video opens the avatar's animation stream in an ffplay window.
type Video struct {
	cfg Config

	mu  sync.Mutex
	cur *process
	url string
}

func NewVideo(cfg Config) *Video {
	return &Video{cfg: cfg.withDefaults()}
}

// PlayVideo switches the window to url. Asking for the URL already showing
// is a no-op.
func (v *Video) PlayVideo(ctx context.Context, url string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return errorsx.New(errorsx.ReasonPlayback, "empty video url")
	}
	v.mu.Lock()
	if v.cur != nil && v.url == url {
		select {
		case <-v.cur.exited:
		default:
			v.mu.Unlock()
			return nil
		}
	}
	prev := v.cur
	v.cur = nil
	v.mu.Unlock()
	_ = stopProcess(prev, v.cfg.StopTimeout)

	proc := &process{id: url, exited: make(chan struct{})}
	proc.cmd = command(v.cfg, v.cfg.videoArgs(url))
	proc.cmd.Stderr = &proc.stderr
	if err := proc.cmd.Start(); err != nil {
		return errorsx.Wrap(fmt.Errorf("start ffplay: %w", err), errorsx.ReasonPlayback)
	}
	go func() {
		_ = proc.cmd.Wait()
		close(proc.exited)
	}()

	v.mu.Lock()
	v.cur, v.url = proc, url
	v.mu.Unlock()
	return nil
}

func (v *Video) Stop() error {
	v.mu.Lock()
	proc := v.cur
	v.cur, v.url = nil, ""
	v.mu.Unlock()
	return stopProcess(proc, v.cfg.StopTimeout)
}

var _ session.VideoSink = (*Video)(nil)
