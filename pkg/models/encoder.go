package models

import (
	"errors"
	"fmt"
	"strings"
)

// CodecType selects the compressed bitstream family
type CodecType string

const (
	CodecH264 CodecType = "h264" // two parameter sets: SPS, PPS
	CodecH265 CodecType = "h265" // three parameter sets: VPS, SPS, PPS
)

// ParseCodecType accepts the usual aliases (avc, hevc)
func ParseCodecType(s string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc", "video/avc":
		return CodecH264, nil
	case "h265", "hevc", "video/hevc":
		return CodecH265, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCodec, s)
}

// MIME returns the media type used by encoder backends
func (c CodecType) MIME() string {
	if c == CodecH265 {
		return "video/hevc"
	}
	return "video/avc"
}

// ColorFormat is the class of input layout an encoder accepts
type ColorFormat string

const (
	// ColorFormatAuto lets the selected encoder pick; resolved during prepare
	ColorFormatAuto       ColorFormat = "auto"
	ColorFormatPlanar     ColorFormat = "planar"     // I420
	ColorFormatSemiPlanar ColorFormat = "semiplanar" // NV12
)

// PixelFormat returns the concrete layout for a resolved color format
func (c ColorFormat) PixelFormat() PixelFormat {
	if c == ColorFormatSemiPlanar {
		return PixelFormatNV12
	}
	return PixelFormatI420
}

// SelectionPolicy restricts which encoders may be chosen
type SelectionPolicy string

const (
	PolicyHardware        SelectionPolicy = "hardware"
	PolicySoftware        SelectionPolicy = "software"
	PolicyFirstCompatible SelectionPolicy = "first-compatible"
)

// Defaults applied by EncoderConfig.ApplyDefaults
const (
	DefaultFPS              = 30
	DefaultBitrate          = 1200 * 1024
	DefaultKeyFrameInterval = 2
	DefaultQueueCapacity    = 80
)

var (
	ErrInvalidCodec            = errors.New("invalid codec")
	ErrInvalidDimensions       = errors.New("invalid dimensions")
	ErrInvalidFPS              = errors.New("invalid fps")
	ErrInvalidBitrate          = errors.New("invalid bitrate")
	ErrInvalidRotation         = errors.New("invalid rotation")
	ErrInvalidKeyFrameInterval = errors.New("invalid key frame interval")
	ErrInvalidColorFormat      = errors.New("invalid color format")
	ErrInvalidPolicy           = errors.New("invalid selection policy")
	ErrInvalidPixelFormat      = errors.New("invalid pixel format")
)

// EncoderConfig holds the parameters of one encoder session
type EncoderConfig struct {
	Codec            CodecType       `json:"codec" mapstructure:"codec"`
	Width            int             `json:"width" mapstructure:"width"`
	Height           int             `json:"height" mapstructure:"height"`
	FPS              int             `json:"fps" mapstructure:"fps"`
	LimitFPS         int             `json:"limitFps,omitempty" mapstructure:"limit_fps"` // Input rate cap, 0 follows FPS
	Bitrate          int             `json:"bitrate" mapstructure:"bitrate"`              // bits per second
	Rotation         int             `json:"rotation" mapstructure:"rotation"`            // Hint passed to the encoder
	SoftwareRotation bool            `json:"softwareRotation" mapstructure:"software_rotation"`
	KeyFrameInterval int             `json:"keyFrameInterval" mapstructure:"key_frame_interval"` // seconds
	ColorFormat      ColorFormat     `json:"colorFormat" mapstructure:"color_format"`
	Profile          int             `json:"profile,omitempty" mapstructure:"profile"` // profile_idc, 0 leaves the encoder default
	Level            int             `json:"level,omitempty" mapstructure:"level"`     // level_idc, 0 leaves the encoder default
	Policy           SelectionPolicy `json:"policy" mapstructure:"policy"`
	Encoder          string          `json:"encoder,omitempty" mapstructure:"encoder"` // Explicit encoder name
	InputFormat      PixelFormat     `json:"inputFormat" mapstructure:"input_format"`
	QueueCapacity    int             `json:"queueCapacity,omitempty" mapstructure:"queue_capacity"`
}

// ApplyDefaults fills zero-valued fields
func (c *EncoderConfig) ApplyDefaults() {
	if c.Codec == "" {
		c.Codec = CodecH264
	}
	if c.FPS == 0 {
		c.FPS = DefaultFPS
	}
	if c.Bitrate == 0 {
		c.Bitrate = DefaultBitrate
	}
	if c.KeyFrameInterval == 0 {
		c.KeyFrameInterval = DefaultKeyFrameInterval
	}
	if c.ColorFormat == "" {
		c.ColorFormat = ColorFormatAuto
	}
	if c.Policy == "" {
		c.Policy = PolicyFirstCompatible
	}
	if c.InputFormat == "" {
		c.InputFormat = PixelFormatNV21
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
}

// Validate checks the configuration for values no encoder could accept
func (c EncoderConfig) Validate() error {
	switch c.Codec {
	case CodecH264, CodecH265:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCodec, c.Codec)
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, c.Width, c.Height)
	}
	if c.FPS <= 0 || c.LimitFPS < 0 {
		return fmt.Errorf("%w: fps=%d limit=%d", ErrInvalidFPS, c.FPS, c.LimitFPS)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBitrate, c.Bitrate)
	}
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("%w: %d", ErrInvalidRotation, c.Rotation)
	}
	if c.KeyFrameInterval < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidKeyFrameInterval, c.KeyFrameInterval)
	}
	switch c.ColorFormat {
	case ColorFormatAuto, ColorFormatPlanar, ColorFormatSemiPlanar:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidColorFormat, c.ColorFormat)
	}
	switch c.Policy {
	case PolicyHardware, PolicySoftware, PolicyFirstCompatible:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Policy)
	}
	if _, err := ParsePixelFormat(string(c.InputFormat)); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPixelFormat, c.InputFormat)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("queue capacity must not be negative: %d", c.QueueCapacity)
	}
	return nil
}

// EffectiveLimitFPS returns the rate cap applied to incoming frames
func (c EncoderConfig) EffectiveLimitFPS() int {
	if c.LimitFPS > 0 {
		return c.LimitFPS
	}
	return c.FPS
}
