// Package transform rotates raw capture frames and converts them into the
// 4:2:0 layout an encoder consumes.
package transform

import (
	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// ErrUnsupportedFormat is returned for layouts the transform cannot convert
var ErrUnsupportedFormat = errors.New("transform: unsupported pixel format")

// Supports reports whether frames in the input layout can be converted for
// an encoder accepting the given (resolved) color format.
func Supports(input models.PixelFormat, output models.ColorFormat) error {
	switch input {
	case models.PixelFormatNV21, models.PixelFormatYV12, models.PixelFormatI420, models.PixelFormatNV12:
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "input %q", input)
	}
	switch output {
	case models.ColorFormatPlanar, models.ColorFormatSemiPlanar:
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "output %q", output)
	}
	return nil
}

// Transformer applies optional rotation and color conversion to frames.
// It is safe for use by one consumer goroutine at a time.
type Transformer struct {
	output           models.PixelFormat
	softwareRotation bool

	pool framePool
}

// New creates a transformer producing frames for the given color format
func New(output models.ColorFormat, softwareRotation bool) (*Transformer, error) {
	if err := Supports(models.PixelFormatNV21, output); err != nil {
		return nil, err
	}
	return &Transformer{
		output:           output.PixelFormat(),
		softwareRotation: softwareRotation,
	}, nil
}

// Output returns the layout of transformed frames
func (t *Transformer) Output() models.PixelFormat {
	return t.output
}

// Apply returns a new frame in the output layout.
// The input frame is not modified; timing metadata is carried over.
func (t *Transformer) Apply(f *models.Frame) (*models.Frame, error) {
	if err := Supports(f.Format, models.ColorFormatPlanar); err != nil {
		return nil, err
	}
	if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
		return nil, errors.Errorf("transform: invalid frame size %dx%d", f.Width, f.Height)
	}
	data, err := f.Data()
	if err != nil {
		return nil, errors.Wrap(err, "transform")
	}
	if need := FrameSize(f.Format, f.Width, f.Height); len(data) < need {
		return nil, errors.Wrapf(ErrShortFrame, "%s %dx%d needs %d bytes, got %d", f.Format, f.Width, f.Height, need, len(data))
	}

	// Every intermediate has the same byte count whatever the rotation.
	size := f.Width*f.Height + f.Width*f.Height/2
	pic := newPlanes(t.pool.Get(size), f.Width, f.Height)
	unpack(pic, f.Format, data)

	if t.softwareRotation {
		if rotation := f.Rotation(); rotation != 0 {
			w, h := rotatedSize(f.Width, f.Height, rotation)
			rotated := newPlanes(t.pool.Get(size), w, h)
			rotatePlanes(rotated, pic, rotation)
			t.pool.Put(pic.buf)
			pic = rotated
		}
	}

	buf := pic.buf
	if t.output == models.PixelFormatNV12 {
		buf = t.pool.Get(size)
		packNV12(buf, pic)
		t.pool.Put(pic.buf)
	}

	return &models.Frame{
		Buffer:      buf,
		Format:      t.output,
		Width:       pic.w,
		Height:      pic.h,
		Orientation: f.Orientation,
		Flip:        f.Flip,
		Size:        len(buf),
		CapturedAt:  f.CapturedAt,
	}, nil
}

// Recycle returns the buffer of a frame produced by Apply once its bytes
// have been copied elsewhere.
func (t *Transformer) Recycle(f *models.Frame) {
	if f == nil || f.Buffer == nil {
		return
	}
	t.pool.Put(f.Buffer)
	f.Buffer = nil
}
