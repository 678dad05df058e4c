// Package ffplay plays the avatar's audio and video with ffplay child
// processes.
package ffplay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/media"
	"github.com/harunnryd/avatarlink/pkg/session"
)

type Config struct {
	Binary      string        `mapstructure:"binary"`
	LogLevel    string        `mapstructure:"log_level"`
	Volume      int           `mapstructure:"volume"`
	WindowTitle string        `mapstructure:"window_title"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	ExtraArgs   []string      `mapstructure:"extra_args"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{"binary", "log_level", "volume", "window_title", "stop_timeout", "extra_args"},
}

// ConfigFromSettings decodes a devices.playback or devices.video settings block.
func ConfigFromSettings(scope string, settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.Decode(scope, settings, settingsSchema, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Binary) == "" {
		c.Binary = "ffplay"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "error"
	}
	if c.Volume <= 0 {
		c.Volume = 100
	}
	if c.WindowTitle == "" {
		c.WindowTitle = "avatar"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = time.Second
	}
	return c
}

func (c Config) audioArgs(input string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", c.LogLevel,
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-volume", strconv.Itoa(c.Volume),
	}
	args = append(args, c.ExtraArgs...)
	return append(args, "-i", input)
}

func (c Config) videoArgs(url string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", c.LogLevel,
		"-nostats",
		"-an",
		"-window_title", c.WindowTitle,
	}
	args = append(args, c.ExtraArgs...)
	return append(args, "-i", url)
}

// process is one running ffplay. stopped marks a process the caller killed,
// whose exit must not be reported.
type process struct {
	id      string
	cmd     *exec.Cmd
	stderr  bytes.Buffer
	exited  chan struct{}
	stopped bool
}

func command(cfg Config, args []string) *exec.Cmd {
	cmd := exec.Command(cfg.Binary, args...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	cmd.Stdout = io.Discard
	cmd.WaitDelay = cfg.StopTimeout
	return cmd
}

// Playback implements session.PlaybackSink. In-memory audio is piped to
// ffplay's stdin; remote handles are passed as the input URL.
type Playback struct {
	cfg    Config
	events chan session.PlaybackEvent
	done   chan struct{}

	mu        sync.Mutex
	cur       *process
	closeOnce sync.Once
	dropped   atomic.Int64
}

func NewPlayback(cfg Config) *Playback {
	return &Playback{
		cfg:    cfg.withDefaults(),
		events: make(chan session.PlaybackEvent, 16),
		done:   make(chan struct{}),
	}
}

func (p *Playback) Events() <-chan session.PlaybackEvent { return p.events }

// Play replaces whatever is playing with h. The bytes are copied before Play
// returns, so the caller may release h at any time.
func (p *Playback) Play(ctx context.Context, h *media.Playable) error {
	if h == nil {
		return errorsx.New(errorsx.ReasonPlayback, "nil playable")
	}
	input := h.URL
	var data []byte
	if !h.Remote() {
		data = bytes.Clone(h.Data())
		if len(data) == 0 {
			return errorsx.New(errorsx.ReasonPlayback, "playable %s has no audio", h.ID)
		}
		input = "-"
	}
	select {
	case <-p.done:
		return errorsx.New(errorsx.ReasonPlayback, "playback closed")
	default:
	}
	_ = p.Stop()

	proc := &process{id: h.ID, exited: make(chan struct{})}
	proc.cmd = command(p.cfg, p.cfg.audioArgs(input))
	proc.cmd.Stderr = &proc.stderr
	if data != nil {
		proc.cmd.Stdin = bytes.NewReader(data)
	}
	if err := proc.cmd.Start(); err != nil {
		return errorsx.Wrap(fmt.Errorf("start ffplay: %w", err), errorsx.ReasonPlayback)
	}

	p.mu.Lock()
	p.cur = proc
	p.mu.Unlock()

	go p.watch(proc)
	return nil
}

func (p *Playback) watch(proc *process) {
	// Stop waits for Wait below, so the start notice must never block it
	p.nonBlockingEmit(session.PlaybackEvent{Kind: session.PlaybackStarted, HandleID: proc.id})
	err := proc.cmd.Wait()
	close(proc.exited)

	p.mu.Lock()
	stopped := proc.stopped
	if p.cur == proc {
		p.cur = nil
	}
	p.mu.Unlock()
	if stopped {
		return
	}
	if err != nil && !errors.Is(err, exec.ErrWaitDelay) {
		if msg := strings.TrimSpace(proc.stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		p.emit(session.PlaybackEvent{
			Kind:     session.PlaybackFailed,
			HandleID: proc.id,
			Err:      errorsx.Wrap(fmt.Errorf("ffplay: %w", err), errorsx.ReasonPlayback),
		})
		return
	}
	p.emit(session.PlaybackEvent{Kind: session.PlaybackEnded, HandleID: proc.id})
}

func (p *Playback) emit(ev session.PlaybackEvent) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

func (p *Playback) nonBlockingEmit(ev session.PlaybackEvent) bool {
	select {
	case p.events <- ev:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped counts start notices discarded because nobody drained Events.
func (p *Playback) Dropped() int64 { return p.dropped.Load() }

// Stop kills the current process, if any, and waits for it to exit.
func (p *Playback) Stop() error {
	p.mu.Lock()
	proc := p.cur
	p.cur = nil
	if proc != nil {
		proc.stopped = true
	}
	p.mu.Unlock()
	return stopProcess(proc, p.cfg.StopTimeout)
}

// Close stops playback and stops delivering events.
func (p *Playback) Close() error {
	err := p.Stop()
	p.closeOnce.Do(func() { close(p.done) })
	return err
}

func stopProcess(proc *process, timeout time.Duration) error {
	if proc == nil || proc.cmd.Process == nil {
		return nil
	}
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	select {
	case <-proc.exited:
	case <-time.After(timeout):
		return errorsx.New(errorsx.ReasonPlayback, "ffplay did not exit within %s", timeout)
	}
	return nil
}

var _ session.PlaybackSink = (*Playback)(nil)
