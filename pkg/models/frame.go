package models

import (
	"fmt"
	"strings"
	"time"
)

// PixelFormat identifies the memory layout of a raw 4:2:0 frame
type PixelFormat string

const (
	PixelFormatNV21 PixelFormat = "nv21" // Y plane, interleaved V/U (camera preview default)
	PixelFormatYV12 PixelFormat = "yv12" // Y plane, V plane, U plane
	PixelFormatI420 PixelFormat = "i420" // Y plane, U plane, V plane
	PixelFormatNV12 PixelFormat = "nv12" // Y plane, interleaved U/V
)

// ParsePixelFormat parses a pixel format name, case-insensitively
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch p := PixelFormat(strings.ToLower(strings.TrimSpace(s))); p {
	case PixelFormatNV21, PixelFormatYV12, PixelFormatI420, PixelFormatNV12:
		return p, nil
	}
	return "", fmt.Errorf("unknown pixel format %q", s)
}

// SemiPlanar reports whether chroma samples are interleaved in a single plane
func (p PixelFormat) SemiPlanar() bool {
	return p == PixelFormatNV21 || p == PixelFormatNV12
}

// Frame is a raw picture handed over by a capture source
type Frame struct {
	Buffer      []byte      // Pixel data, owned by the frame
	Format      PixelFormat // Layout of Buffer
	Width       int         // Width in pixels
	Height      int         // Height in pixels
	Orientation int         // Sensor orientation in degrees
	Flip        bool        // Mirrored (front-facing) capture
	Offset      int         // Start of the picture within Buffer
	Size        int         // Picture length in bytes, 0 means until the end of Buffer
	CapturedAt  time.Time   // Capture timestamp, carried through transforms
}

// Data returns the picture bytes addressed by Offset and Size
func (f *Frame) Data() ([]byte, error) {
	if f.Offset < 0 || f.Offset > len(f.Buffer) {
		return nil, fmt.Errorf("frame offset %d outside buffer of %d bytes", f.Offset, len(f.Buffer))
	}
	end := len(f.Buffer)
	if f.Size > 0 {
		end = f.Offset + f.Size
	}
	if end > len(f.Buffer) {
		return nil, fmt.Errorf("frame size %d at offset %d exceeds buffer of %d bytes", f.Size, f.Offset, len(f.Buffer))
	}
	return f.Buffer[f.Offset:end], nil
}

// Rotation returns the clockwise rotation to apply to the frame so it is upright
func (f *Frame) Rotation() int {
	r := f.Orientation
	if f.Flip {
		r += 180
	}
	r %= 360
	if r < 0 {
		r += 360
	}
	return r
}
