package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rapidenc/config"
	"rapidenc/internal/capture"
	"rapidenc/internal/session"
	"rapidenc/internal/sink"
	"rapidenc/pkg/models"
)

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode raw frames into an elementary stream",
	Long: `Read raw 4:2:0 frames from a file or stdin, encode them through one session
and write an Annex-B elementary stream. Without --input a test pattern is encoded.`,
	Example: `  ffmpeg -i in.mp4 -f rawvideo -pix_fmt nv21 - | rapidenc encode -W 1280 -H 720 -o out.h264
  rapidenc encode --frames 300 -o pattern.h265 --codec h265`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		opts, err := encodeOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		return runEncode(cfg, logger, opts)
	},
}

type encodeOptions struct {
	input    string
	output   string
	format   string
	width    int
	height   int
	fps      int
	limitFPS int
	bitrate  int
	codec    string
	policy   string
	encoder  string
	rotation int
	frames   int
	drain    time.Duration
}

func init() {
	f := encodeCmd.Flags()
	f.StringP("input", "i", "", "Raw frame file, - for stdin; empty encodes a test pattern")
	f.StringP("output", "o", "-", "Elementary stream output file, - for stdout")
	f.String("format", string(models.PixelFormatNV21), "Input pixel format: nv21, nv12, yv12, i420")
	f.IntP("width", "W", 1280, "Frame width")
	f.IntP("height", "H", 720, "Frame height")
	f.Int("fps", models.DefaultFPS, "Input frame rate")
	f.Int("limit-fps", 0, "Input rate cap, 0 caps at the input rate")
	f.Int("bitrate", 0, "Target bitrate in bits per second, 0 uses the configured default")
	f.String("codec", "", "h264 or h265, empty uses the configured default")
	f.String("policy", "", "Encoder selection policy: hardware, software, first-compatible")
	f.String("encoder", "", "Encoder name, e.g. libx264")
	f.Int("rotation", 0, "Rotation hint in degrees: 0, 90, 180, 270")
	f.Int("frames", 150, "Test pattern length in frames")
	f.Duration("drain", 5*time.Second, "How long to wait for queued frames before stopping")
}

func encodeOptionsFromFlags(cmd *cobra.Command) (encodeOptions, error) {
	f := cmd.Flags()
	var o encodeOptions
	o.input, _ = f.GetString("input")
	o.output, _ = f.GetString("output")
	o.format, _ = f.GetString("format")
	o.width, _ = f.GetInt("width")
	o.height, _ = f.GetInt("height")
	o.fps, _ = f.GetInt("fps")
	o.limitFPS, _ = f.GetInt("limit-fps")
	o.bitrate, _ = f.GetInt("bitrate")
	o.codec, _ = f.GetString("codec")
	o.policy, _ = f.GetString("policy")
	o.encoder, _ = f.GetString("encoder")
	o.rotation, _ = f.GetInt("rotation")
	o.frames, _ = f.GetInt("frames")
	o.drain, _ = f.GetDuration("drain")

	if o.fps <= 0 {
		return o, errors.Wrapf(models.ErrInvalidFPS, "--fps %d", o.fps)
	}
	return o, nil
}

// encoderConfig builds the session configuration from flags over config defaults
func (o encodeOptions) encoderConfig(cfg *config.Config, format models.PixelFormat) (models.EncoderConfig, error) {
	req := models.EncoderConfig{
		Width:       o.width,
		Height:      o.height,
		FPS:         o.fps,
		LimitFPS:    o.limitFPS,
		Bitrate:     o.bitrate,
		Rotation:    o.rotation,
		Policy:      models.SelectionPolicy(o.policy),
		Encoder:     o.encoder,
		InputFormat: format,
	}
	if o.codec != "" {
		c, err := models.ParseCodecType(o.codec)
		if err != nil {
			return req, err
		}
		req.Codec = c
	}
	return cfg.Apply(req), nil
}

func runEncode(cfg *config.Config, logger *zap.Logger, o encodeOptions) error {
	ctx, stop := signalContext()
	defer stop()

	format, err := models.ParsePixelFormat(o.format)
	if err != nil {
		return err
	}
	encCfg, err := o.encoderConfig(cfg, format)
	if err != nil {
		return err
	}

	src, closeInput, err := openSource(o, format, logger)
	if err != nil {
		return err
	}
	defer closeInput()

	out, closeOutput, err := openOutput(o.output)
	if err != nil {
		return err
	}
	outputClosed := false
	defer func() {
		if !outputClosed {
			_ = closeOutput()
		}
	}()
	buffered := bufio.NewWriter(out)
	writer := sink.NewAnnexBWriter(buffered, sink.WithLogger(logger))

	reg := buildRegistry(ctx, cfg, logger, nil)
	sessOpts, err := sessionOptions(cfg)
	if err != nil {
		return err
	}
	sessOpts = append(sessOpts, session.WithRegistry(reg), session.WithLogger(logger))

	s, err := session.New(encCfg, writer, sessOpts...)
	if err != nil {
		return err
	}
	if err := s.Prepare(); err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}

	started := time.Now()
	stats, runErr := src.Run(ctx, s.SubmitFrame)
	waitForDrain(s, stats.Accepted, o.drain)
	_ = s.Stop()

	if err := buffered.Flush(); err != nil && writer.Err() == nil {
		runErr = errors.Wrap(err, "flush output")
	}
	outputClosed = true
	if err := closeOutput(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "close output")
	}

	final := s.Stats()
	logger.Info("encode finished",
		zap.String("session", s.ID()),
		zap.String("encoder", s.Info().Encoder),
		zap.Int("frames", stats.Frames),
		zap.Uint64("encoded", final.FramesEncoded),
		zap.Uint64("dropped", final.TotalDropped()),
		zap.Any("dropReasons", final.FramesDropped),
		zap.Int64("bytes", writer.Bytes()),
		zap.Duration("elapsed", time.Since(started)))

	if err := writer.Err(); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func openSource(o encodeOptions, format models.PixelFormat, logger *zap.Logger) (capture.Source, func(), error) {
	switch o.input {
	case "":
		src, err := capture.NewTestPattern(o.width, o.height, o.fps, format, o.frames)
		return src, func() {}, err
	case "-":
		src, err := capture.NewRawReader(bufio.NewReader(os.Stdin), o.width, o.height, o.fps, format, logger)
		return src, func() {}, err
	}

	f, err := os.Open(o.input)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open input")
	}
	src, err := capture.NewRawReader(bufio.NewReader(f), o.width, o.height, o.fps, format, logger)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return src, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	if path == "-" || path == "" {
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create output")
	}
	return f, f.Close, nil
}

// waitForDrain gives the worker time to encode the frames still queued.
// Frames the worker itself discarded count as handled.
func waitForDrain(s *session.Session, accepted int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st := s.Stats()
		handled := st.FramesEncoded + st.FramesDropped[models.DropRateLimited] + st.FramesDropped[models.DropBadFrame]
		if handled >= uint64(accepted) || s.State() != models.SessionRunning {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
