// Package ffmpeg records the microphone through an ffmpeg child process.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/session"
)

// Config selects the input device and output encoding. The defaults produce
// webm/opus, the container browsers record voice questions in.
type Config struct {
	Binary       string        `mapstructure:"binary"`
	InputFormat  string        `mapstructure:"input_format"`
	InputDevice  string        `mapstructure:"input_device"`
	SampleRate   int           `mapstructure:"sample_rate"`
	Channels     int           `mapstructure:"channels"`
	Codec        string        `mapstructure:"codec"`
	Container    string        `mapstructure:"container"`
	StartupGrace time.Duration `mapstructure:"startup_grace"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
}

var settingsSchema = configutil.Schema{
	Optional: []string{
		"binary", "input_format", "input_device", "sample_rate", "channels",
		"codec", "container", "startup_grace", "stop_timeout",
	},
}

// ConfigFromSettings decodes a devices.capture.settings block.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	var cfg Config
	if err := configutil.Decode("devices.capture.settings", settings, settingsSchema, &cfg); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Binary) == "" {
		c.Binary = "ffmpeg"
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.Codec == "" {
		c.Codec = "libopus"
	}
	if c.Container == "" {
		c.Container = "webm"
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = 250 * time.Millisecond
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 1200 * time.Millisecond
	}
	return c
}

func (c Config) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", c.InputFormat,
		"-i", c.InputDevice,
		"-ac", strconv.Itoa(c.Channels),
		"-ar", strconv.Itoa(c.SampleRate),
		"-c:a", c.Codec,
		"-f", c.Container,
		"-",
	}
}

// Capture implements session.CaptureDevice.
type Capture struct {
	cfg Config
}

func NewCapture(cfg Config) *Capture {
	return &Capture{cfg: cfg.withDefaults()}
}

// Start launches ffmpeg and waits briefly so a missing device fails here
// rather than at Stop.
func (c *Capture) Start(ctx context.Context) (session.Recording, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd := exec.CommandContext(ctx, c.cfg.Binary, c.cfg.args()...)
	rec := &recording{timeout: c.cfg.StopTimeout}
	cmd.Stdout = &rec.out
	cmd.Stderr = &rec.stderr
	cmd.WaitDelay = c.cfg.StopTimeout
	if err := cmd.Start(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("start ffmpeg: %w", err), errorsx.ReasonCapture)
	}
	rec.process = cmd.Process

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()
	rec.waitErr = waitErr

	select {
	case err := <-waitErr:
		msg := trimOutput(rec.stderr.String())
		if err != nil {
			return nil, errorsx.Wrap(fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, msg), errorsx.ReasonCapture)
		}
		return nil, errorsx.New(errorsx.ReasonCapture, "ffmpeg exited before capture started: %s", msg)
	case <-time.After(c.cfg.StartupGrace):
	}
	return rec, nil
}

type recording struct {
	// out and stderr are written by the exec copy goroutines and only read
	// after Wait has returned.
	out     bytes.Buffer
	stderr  bytes.Buffer
	process *os.Process
	waitErr <-chan error
	timeout time.Duration

	stopOnce sync.Once
	data     []byte
	stopErr  error
}

// Stop interrupts ffmpeg so it finalises the container, escalating to Kill
// when it does not exit in time.
func (r *recording) Stop() ([]byte, error) {
	r.stopOnce.Do(func() {
		if r.process != nil {
			_ = r.process.Signal(os.Interrupt)
		}
		var err error
		select {
		case err = <-r.waitErr:
		case <-time.After(r.timeout):
			if r.process != nil {
				_ = r.process.Kill()
			}
			err = <-r.waitErr
		}
		r.stopErr = normalizeStopErr(err)
		if r.stopErr != nil {
			if msg := trimOutput(r.stderr.String()); msg != "" {
				r.stopErr = fmt.Errorf("%w: %s", r.stopErr, msg)
			}
			r.stopErr = errorsx.Wrap(r.stopErr, errorsx.ReasonCapture)
		}
		r.data = bytes.Clone(r.out.Bytes())
		r.out.Reset()
	})
	return r.data, r.stopErr
}

// normalizeStopErr ignores the non-zero exit ffmpeg reports after SIGINT
// and output pipes held open by grandchildren.
func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrWaitDelay) {
		return nil
	}
	return err
}

func trimOutput(s string) string {
	return strings.TrimSpace(s)
}

var _ session.CaptureDevice = (*Capture)(nil)
