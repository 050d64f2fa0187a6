// Package capture provides frame producers that feed encoder sessions.
package capture

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rapidenc/internal/transform"
	"rapidenc/pkg/models"
)

// SubmitFunc hands a frame to a consumer and reports whether it was accepted
type SubmitFunc func(*models.Frame) bool

// Source produces frames until its input ends or ctx is cancelled
type Source interface {
	Run(ctx context.Context, submit SubmitFunc) (Stats, error)
}

// Stats summarizes a capture run
type Stats struct {
	Frames   int // frames produced
	Accepted int // frames the consumer accepted
}

// FrameSize returns the byte length of a frame in the given layout. YV12
// frames use the Android layout with 16-byte aligned rows.
func FrameSize(format models.PixelFormat, width, height int) int {
	return transform.FrameSize(format, width, height)
}

func validate(width, height, fps int, format models.PixelFormat) error {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return errors.Wrapf(models.ErrInvalidDimensions, "%dx%d", width, height)
	}
	if fps < 0 {
		return errors.Wrapf(models.ErrInvalidFPS, "%d", fps)
	}
	if _, err := models.ParsePixelFormat(string(format)); err != nil {
		return errors.Wrap(models.ErrInvalidPixelFormat, err.Error())
	}
	return nil
}

// pacer releases one tick per frame interval; a zero rate never waits
type pacer struct {
	ticker *time.Ticker
}

func newPacer(fps int) *pacer {
	if fps <= 0 {
		return &pacer{}
	}
	return &pacer{ticker: time.NewTicker(time.Second / time.Duration(fps))}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.ticker == nil {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ticker.C:
		return nil
	}
}

func (p *pacer) stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
}

// RawReader reads back-to-back raw frames of a fixed geometry, e.g. the
// output of `ffmpeg -f rawvideo -pix_fmt nv21`. Each frame is FrameSize
// bytes, so YV12 input carries the Android row padding.
type RawReader struct {
	r      io.Reader
	width  int
	height int
	fps    int
	format models.PixelFormat
	logger *zap.Logger
	now    func() time.Time
}

// NewRawReader creates a reader paced at fps frames per second; fps 0 reads
// as fast as the consumer takes frames
func NewRawReader(r io.Reader, width, height, fps int, format models.PixelFormat, logger *zap.Logger) (*RawReader, error) {
	if err := validate(width, height, fps, format); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RawReader{r: r, width: width, height: height, fps: fps, format: format, logger: logger, now: time.Now}, nil
}

// Run implements Source. A trailing partial frame is reported as an error.
func (s *RawReader) Run(ctx context.Context, submit SubmitFunc) (Stats, error) {
	var stats Stats
	size := FrameSize(s.format, s.width, s.height)
	p := newPacer(s.fps)
	defer p.stop()

	for {
		if err := p.wait(ctx); err != nil {
			return stats, err
		}

		// every frame gets its own buffer; the session keeps it until encoded
		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		switch {
		case err == io.EOF:
			return stats, nil
		case err == io.ErrUnexpectedEOF:
			return stats, errors.Errorf("trailing partial frame of %d bytes, want %d", n, size)
		case err != nil:
			return stats, errors.Wrap(err, "read frame")
		}

		stats.Frames++
		if submit(&models.Frame{
			Buffer:     buf,
			Format:     s.format,
			Width:      s.width,
			Height:     s.height,
			CapturedAt: s.now(),
		}) {
			stats.Accepted++
		}
	}
}

// TestPattern generates moving color bars in real time
type TestPattern struct {
	width  int
	height int
	fps    int
	format models.PixelFormat
	limit  int // frames to produce, 0 means until cancelled
	now    func() time.Time
}

// NewTestPattern creates a synthetic source. frames bounds the run; 0 runs
// until ctx is cancelled.
func NewTestPattern(width, height, fps int, format models.PixelFormat, frames int) (*TestPattern, error) {
	if err := validate(width, height, fps, format); err != nil {
		return nil, err
	}
	return &TestPattern{width: width, height: height, fps: fps, format: format, limit: frames, now: time.Now}, nil
}

// bars are BT.601 YUV values of the classic eight color bars
var bars = [8][3]byte{
	{235, 128, 128}, // white
	{210, 16, 146},  // yellow
	{170, 166, 16},  // cyan
	{145, 54, 34},   // green
	{106, 202, 222}, // magenta
	{81, 90, 240},   // red
	{41, 240, 110},  // blue
	{16, 128, 128},  // black
}

// Run implements Source
func (s *TestPattern) Run(ctx context.Context, submit SubmitFunc) (Stats, error) {
	var stats Stats
	p := newPacer(s.fps)
	defer p.stop()

	for s.limit == 0 || stats.Frames < s.limit {
		if err := p.wait(ctx); err != nil {
			if s.limit == 0 && errors.Is(err, context.Canceled) {
				return stats, nil
			}
			return stats, err
		}

		f := s.Frame(stats.Frames)
		stats.Frames++
		if submit(f) {
			stats.Accepted++
		}
	}
	return stats, nil
}

// Frame renders frame n; the bars scroll left by two pixels per frame
func (s *TestPattern) Frame(n int) *models.Frame {
	w, h := s.width, s.height
	cw, ch := w/2, h/2
	buf := make([]byte, FrameSize(s.format, w, h))

	yStride, cStride := w, cw
	if s.format == models.PixelFormatYV12 {
		yStride, cStride = transform.YV12Strides(w)
	}
	chroma := buf[yStride*h:]

	color := func(x int) [3]byte {
		return bars[((x+2*n)%w)*len(bars)/w]
	}

	for row := 0; row < h; row++ {
		for x := 0; x < w; x++ {
			buf[row*yStride+x] = color(x)[0]
		}
	}

	for row := 0; row < ch; row++ {
		for x := 0; x < cw; x++ {
			c := color(2 * x)
			u, v := c[1], c[2]
			switch s.format {
			case models.PixelFormatNV21:
				chroma[2*(row*cw+x)] = v
				chroma[2*(row*cw+x)+1] = u
			case models.PixelFormatNV12:
				chroma[2*(row*cw+x)] = u
				chroma[2*(row*cw+x)+1] = v
			case models.PixelFormatI420:
				chroma[row*cw+x] = u
				chroma[cw*ch+row*cw+x] = v
			case models.PixelFormatYV12:
				chroma[row*cStride+x] = v
				chroma[cStride*ch+row*cStride+x] = u
			}
		}
	}

	return &models.Frame{
		Buffer:     buf,
		Format:     s.format,
		Width:      w,
		Height:     h,
		CapturedAt: s.now(),
	}
}
