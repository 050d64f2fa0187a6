package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidenc/config"
	"rapidenc/internal/session"
	"rapidenc/pkg/models"
)

func TestEncoderConfigFromFlags(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	o := encodeOptions{width: 640, height: 480, fps: 25, codec: "hevc", rotation: 90}
	got, err := o.encoderConfig(cfg, models.PixelFormatYV12)
	require.NoError(t, err)

	assert.Equal(t, models.CodecH265, got.Codec)
	assert.Equal(t, 25, got.EffectiveLimitFPS(), "the cap defaults to the input rate")
	assert.Equal(t, models.DefaultBitrate, got.Bitrate)
	assert.Equal(t, models.PolicyFirstCompatible, got.Policy)
	assert.Equal(t, models.PixelFormatYV12, got.InputFormat)
	assert.Equal(t, 90, got.Rotation)
	require.NoError(t, got.Validate())

	o.codec = "mpeg2"
	_, err = o.encoderConfig(cfg, models.PixelFormatNV21)
	assert.ErrorIs(t, err, models.ErrInvalidCodec)
}

func TestSessionOptions(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	opts, err := sessionOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, 3)

	cfg.Encoder.DriveMode = "interrupts"
	_, err = sessionOptions(cfg)
	assert.Error(t, err)

	_, err = session.ParseDriveMode("POLLING")
	assert.NoError(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["encode"])
	assert.True(t, names["version"])
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, encodeCmd.Flags().Lookup("limit-fps"))
}
