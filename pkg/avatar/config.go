package avatar

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/harunnryd/avatarlink/pkg/configutil"
	"github.com/harunnryd/avatarlink/pkg/errorsx"
	"github.com/harunnryd/avatarlink/pkg/transports"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Session       SessionConfig       `mapstructure:"session"`
	Devices       DevicesConfig       `mapstructure:"devices"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
}

type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	Path           string        `mapstructure:"path"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

type SessionConfig struct {
	LegacySpeaking     time.Duration `mapstructure:"legacy_speaking"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	DefaultAudioFormat string        `mapstructure:"default_audio_format"`
	OrderChunksByIndex bool          `mapstructure:"order_chunks_by_index"`
	EventBuffer        int           `mapstructure:"event_buffer"`
}

// DeviceConfig names a device provider and its free-form settings.
type DeviceConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type DevicesConfig struct {
	Capture  DeviceConfig `mapstructure:"capture"`
	Playback DeviceConfig `mapstructure:"playback"`
	Video    DeviceConfig `mapstructure:"video"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	MetricsAddr   string `mapstructure:"metrics_addr"`
	JournalPath   string `mapstructure:"journal_path"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// EnvPrefix scopes environment overrides, e.g. AVATAR_SERVER_ADDRESS.
const EnvPrefix = "AVATAR"

// NewViper returns a viper instance carrying every default and the
// environment binding. The CLI binds its flags onto the same instance.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "localhost")
	v.SetDefault("server.path", transports.DefaultPath)
	v.SetDefault("server.dial_timeout", "10s")
	v.SetDefault("server.write_wait", "10s")
	v.SetDefault("server.max_message_size", 16*1024*1024)
	v.SetDefault("session.legacy_speaking", "3s")
	v.SetDefault("session.idle_timeout", "0s")
	v.SetDefault("session.default_audio_format", "mp3")
	v.SetDefault("session.order_chunks_by_index", false)
	v.SetDefault("session.event_buffer", 256)
	v.SetDefault("devices.capture.provider", "ffmpeg")
	v.SetDefault("devices.playback.provider", "ffplay")
	v.SetDefault("devices.video.provider", "none")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_addr", "")
	v.SetDefault("observability.journal_path", "")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads path (when set) on top of the defaults and environment.
func LoadConfig(path string) (Config, error) {
	v := NewViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfig)
		}
	}
	return Decode(v)
}

// Decode unmarshals, expands ${ENV} references and validates.
func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfig)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := configutil.RequireString(c.Server.Address, "server.address"); err != nil {
		return err
	}
	if _, err := transports.NormalizeAddress(c.Server.Address, c.Server.Path); err != nil {
		return errorsx.Wrap(fmt.Errorf("server.address: %w", err), errorsx.ReasonConfig)
	}
	if err := configutil.OneOf(c.LogFormat, "log_format", "text", "json"); err != nil {
		return err
	}
	if c.Session.IdleTimeout < 0 {
		return errorsx.New(errorsx.ReasonConfig, "session.idle_timeout must not be negative")
	}
	if c.Observability.RetentionDays < 0 {
		return errorsx.New(errorsx.ReasonConfig, "observability.retention_days must not be negative")
	}
	for name, d := range map[string]DeviceConfig{
		"devices.capture":  c.Devices.Capture,
		"devices.playback": c.Devices.Playback,
		"devices.video":    c.Devices.Video,
	} {
		if err := configutil.RequireString(d.Provider, name+".provider"); err != nil {
			return err
		}
	}
	return nil
}

// Retention is the artifact and journal retention window; zero keeps everything.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Observability.RetentionDays) * 24 * time.Hour
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Devices.Capture.Settings = expandSettings(cfg.Devices.Capture.Settings)
	cfg.Devices.Playback.Settings = expandSettings(cfg.Devices.Playback.Settings)
	cfg.Devices.Video.Settings = expandSettings(cfg.Devices.Video.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
