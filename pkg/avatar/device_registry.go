package avatar

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/devices/ffmpeg"
	"github.com/harunnryd/avatarlink/pkg/devices/ffplay"
	"github.com/harunnryd/avatarlink/pkg/devices/none"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/session"
)

type CaptureFactory func(cfg DeviceConfig, log *slog.Logger) (session.CaptureDevice, error)
type PlaybackFactory func(cfg DeviceConfig, log *slog.Logger) (session.PlaybackSink, error)
type VideoFactory func(cfg DeviceConfig, log *slog.Logger) (session.VideoSink, error)

// DeviceRegistry maps provider names from the config to device constructors.
// A factory may return a nil device, meaning the session runs without it.
type DeviceRegistry struct {
	capture  map[string]CaptureFactory
	playback map[string]PlaybackFactory
	video    map[string]VideoFactory
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		capture:  make(map[string]CaptureFactory),
		playback: make(map[string]PlaybackFactory),
		video:    make(map[string]VideoFactory),
	}
}

// DefaultDevices registers ffmpeg/ffplay and the headless "none" devices.
func DefaultDevices() *DeviceRegistry {
	r := NewDeviceRegistry()
	r.RegisterCapture("ffmpeg", func(cfg DeviceConfig, _ *slog.Logger) (session.CaptureDevice, error) {
		c, err := ffmpeg.ConfigFromSettings(cfg.Settings)
		if err != nil {
			return nil, err
		}
		return ffmpeg.NewCapture(c), nil
	})
	r.RegisterCapture("none", func(DeviceConfig, *slog.Logger) (session.CaptureDevice, error) {
		return nil, nil
	})
	r.RegisterPlayback("ffplay", func(cfg DeviceConfig, _ *slog.Logger) (session.PlaybackSink, error) {
		c, err := ffplay.ConfigFromSettings("devices.playback.settings", cfg.Settings)
		if err != nil {
			return nil, err
		}
		return ffplay.NewPlayback(c), nil
	})
	r.RegisterPlayback("none", func(cfg DeviceConfig, _ *slog.Logger) (session.PlaybackSink, error) {
		hold, err := holdSetting(cfg.Settings)
		if err != nil {
			return nil, err
		}
		return none.NewPlayback(hold), nil
	})
	r.RegisterVideo("ffplay", func(cfg DeviceConfig, _ *slog.Logger) (session.VideoSink, error) {
		c, err := ffplay.ConfigFromSettings("devices.video.settings", cfg.Settings)
		if err != nil {
			return nil, err
		}
		return ffplay.NewVideo(c), nil
	})
	r.RegisterVideo("none", func(_ DeviceConfig, log *slog.Logger) (session.VideoSink, error) {
		return none.Video{Log: log}, nil
	})
	return r
}

func (r *DeviceRegistry) RegisterCapture(name string, f CaptureFactory) {
	r.capture[normalizeName(name)] = f
}

func (r *DeviceRegistry) RegisterPlayback(name string, f PlaybackFactory) {
	r.playback[normalizeName(name)] = f
}

func (r *DeviceRegistry) RegisterVideo(name string, f VideoFactory) {
	r.video[normalizeName(name)] = f
}

func (r *DeviceRegistry) BuildCapture(cfg DeviceConfig, log *slog.Logger) (session.CaptureDevice, error) {
	f := r.capture[normalizeName(cfg.Provider)]
	if f == nil {
		return nil, notRegistered("capture", cfg.Provider, keys(r.capture))
	}
	return f(cfg, log)
}

func (r *DeviceRegistry) BuildPlayback(cfg DeviceConfig, log *slog.Logger) (session.PlaybackSink, error) {
	f := r.playback[normalizeName(cfg.Provider)]
	if f == nil {
		return nil, notRegistered("playback", cfg.Provider, keys(r.playback))
	}
	return f(cfg, log)
}

func (r *DeviceRegistry) BuildVideo(cfg DeviceConfig, log *slog.Logger) (session.VideoSink, error) {
	f := r.video[normalizeName(cfg.Provider)]
	if f == nil {
		return nil, notRegistered("video", cfg.Provider, keys(r.video))
	}
	return f(cfg, log)
}

func notRegistered(kind, provider string, known []string) error {
	return errorsx.New(errorsx.ReasonConfig, "%s provider not registered: %q (known: %s)", kind, provider, strings.Join(known, ", "))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// holdSetting reads the simulated speaking time of the "none" playback sink.
func holdSetting(settings map[string]any) (time.Duration, error) {
	var out struct {
		Hold time.Duration `mapstructure:"hold"`
	}
	schema := configutil.Schema{Optional: []string{"hold"}}
	if err := configutil.Decode("devices.playback.settings", settings, schema, &out); err != nil {
		return 0, err
	}
	return out.Hold, nil
}
