package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"rapidenc/pkg/models"
)

// Config holds all application configuration
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Encoder EncoderConfig `mapstructure:"encoder"`
	Capture CaptureConfig `mapstructure:"capture"`
	Limits  LimitsConfig  `mapstructure:"limits"`
}

// HTTPConfig configures the control API
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release or test
}

// EncoderConfig configures encoder discovery and session defaults
type EncoderConfig struct {
	FFmpegPath    string        `mapstructure:"ffmpeg_path"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
	DisableFFmpeg bool          `mapstructure:"disable_ffmpeg"`

	Codec         string        `mapstructure:"codec"`
	Policy        string        `mapstructure:"policy"`
	ColorFormat   string        `mapstructure:"color_format"`
	FPS           int           `mapstructure:"fps"`
	Bitrate       int           `mapstructure:"bitrate"`
	KeyFrameSecs  int           `mapstructure:"key_frame_interval"`
	QueueCapacity int           `mapstructure:"queue_capacity"`
	DriveMode     string        `mapstructure:"drive_mode"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
}

// CaptureConfig configures the built-in test pattern source
type CaptureConfig struct {
	TestPattern bool   `mapstructure:"test_pattern"`
	Width       int    `mapstructure:"width"`
	Height      int    `mapstructure:"height"`
	FPS         int    `mapstructure:"fps"`
	Format      string `mapstructure:"format"`
}

// LimitsConfig bounds resource usage
type LimitsConfig struct {
	MaxSessions      int `mapstructure:"max_sessions"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// defaults are registered with viper so every key is also reachable from the environment
var defaults = map[string]interface{}{
	"http.addr": ":8080",
	"http.mode": "release",

	"encoder.ffmpeg_path":        "ffmpeg",
	"encoder.probe_timeout":      10 * time.Second,
	"encoder.disable_ffmpeg":     false,
	"encoder.codec":              string(models.CodecH264),
	"encoder.policy":             string(models.PolicyFirstCompatible),
	"encoder.color_format":       string(models.ColorFormatAuto),
	"encoder.fps":                models.DefaultFPS,
	"encoder.bitrate":            models.DefaultBitrate,
	"encoder.key_frame_interval": models.DefaultKeyFrameInterval,
	"encoder.queue_capacity":     models.DefaultQueueCapacity,
	"encoder.drive_mode":         "auto",
	"encoder.stop_grace":         2 * time.Second,
	"encoder.poll_interval":      10 * time.Millisecond,

	"capture.test_pattern": false,
	"capture.width":        1280,
	"capture.height":       720,
	"capture.fps":          30,
	"capture.format":       string(models.PixelFormatNV21),

	"limits.max_sessions":      100,
	"limits.subscriber_buffer": 256,
}

// legacyEnv maps flat environment names onto nested keys
var legacyEnv = map[string]string{
	"http.addr":           "HTTP_ADDR",
	"limits.max_sessions": "MAX_CONCURRENT_SESSIONS",
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables use the RAPIDENC_ prefix with dots replaced by
// underscores, e.g. RAPIDENC_ENCODER_FFMPEG_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix("RAPIDENC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "RAPIDENC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "error reading config %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the rest of the program cannot work with
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("config: http.addr is empty")
	}
	if c.Limits.MaxSessions < 0 {
		return errors.Errorf("config: limits.max_sessions must not be negative: %d", c.Limits.MaxSessions)
	}
	if c.Encoder.ProbeTimeout <= 0 {
		return errors.Errorf("config: encoder.probe_timeout must be positive: %s", c.Encoder.ProbeTimeout)
	}
	_, err := c.SessionDefaults()
	return err
}

// SessionDefaults returns the encoder configuration new sessions start from
func (c *Config) SessionDefaults() (models.EncoderConfig, error) {
	codec, err := models.ParseCodecType(c.Encoder.Codec)
	if err != nil {
		return models.EncoderConfig{}, errors.Wrap(err, "config: encoder.codec")
	}
	cfg := models.EncoderConfig{
		Codec:            codec,
		FPS:              c.Encoder.FPS,
		Bitrate:          c.Encoder.Bitrate,
		KeyFrameInterval: c.Encoder.KeyFrameSecs,
		ColorFormat:      models.ColorFormat(c.Encoder.ColorFormat),
		Policy:           models.SelectionPolicy(c.Encoder.Policy),
		QueueCapacity:    c.Encoder.QueueCapacity,
	}
	switch cfg.ColorFormat {
	case models.ColorFormatAuto, models.ColorFormatPlanar, models.ColorFormatSemiPlanar:
	default:
		return cfg, errors.Wrapf(models.ErrInvalidColorFormat, "config: encoder.color_format %q", c.Encoder.ColorFormat)
	}
	switch cfg.Policy {
	case models.PolicyHardware, models.PolicySoftware, models.PolicyFirstCompatible:
	default:
		return cfg, errors.Wrapf(models.ErrInvalidPolicy, "config: encoder.policy %q", c.Encoder.Policy)
	}
	return cfg, nil
}

// Apply fills the zero fields of a requested session configuration from the defaults
func (c *Config) Apply(req models.EncoderConfig) models.EncoderConfig {
	def, err := c.SessionDefaults()
	if err != nil {
		return req
	}
	if req.Codec == "" {
		req.Codec = def.Codec
	}
	if req.FPS == 0 {
		req.FPS = def.FPS
	}
	if req.Bitrate == 0 {
		req.Bitrate = def.Bitrate
	}
	if req.KeyFrameInterval == 0 {
		req.KeyFrameInterval = def.KeyFrameInterval
	}
	if req.ColorFormat == "" {
		req.ColorFormat = def.ColorFormat
	}
	if req.Policy == "" {
		req.Policy = def.Policy
	}
	if req.QueueCapacity == 0 {
		req.QueueCapacity = def.QueueCapacity
	}
	return req
}
