package transform

import (
	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// ErrShortFrame is returned when a frame holds fewer bytes than its layout needs
var ErrShortFrame = errors.New("transform: frame shorter than its layout")

func align16(n int) int {
	return (n + 15) &^ 15
}

// YV12Strides returns the luma and chroma row strides of an Android YV12
// buffer: rows are padded to 16 bytes, so widths that are not a multiple of
// 32 carry padding in the chroma planes
func YV12Strides(width int) (yStride, cStride int) {
	yStride = align16(width)
	cStride = align16(yStride / 2)
	return yStride, cStride
}

// FrameSize returns the number of bytes a frame of the given layout occupies
func FrameSize(format models.PixelFormat, width, height int) int {
	if format == models.PixelFormatYV12 {
		yStride, cStride := YV12Strides(width)
		return yStride*height + 2*cStride*(height/2)
	}
	return width*height + width*height/2
}

// planes is a tightly packed I420 picture backed by one buffer
type planes struct {
	buf     []byte
	y, u, v []byte
	w, h    int
}

func newPlanes(buf []byte, w, h int) planes {
	ySize, cSize := w*h, (w/2)*(h/2)
	return planes{
		buf: buf,
		y:   buf[:ySize],
		u:   buf[ySize : ySize+cSize],
		v:   buf[ySize+cSize : ySize+2*cSize],
		w:   w,
		h:   h,
	}
}

// unpack splits a source picture into tight Y, U and V planes
func unpack(dst planes, format models.PixelFormat, src []byte) {
	w, h := dst.w, dst.h
	cw, ch := w/2, h/2

	switch format {
	case models.PixelFormatI420:
		copy(dst.buf, src[:len(dst.buf)])

	case models.PixelFormatYV12:
		yStride, cStride := YV12Strides(w)
		for row := 0; row < h; row++ {
			copy(dst.y[row*w:(row+1)*w], src[row*yStride:])
		}
		vOff := yStride * h
		uOff := vOff + cStride*ch
		for row := 0; row < ch; row++ {
			copy(dst.v[row*cw:(row+1)*cw], src[vOff+row*cStride:])
			copy(dst.u[row*cw:(row+1)*cw], src[uOff+row*cStride:])
		}

	case models.PixelFormatNV21, models.PixelFormatNV12:
		copy(dst.y, src[:w*h])
		chroma := src[w*h:]
		first, second := dst.v, dst.u
		if format == models.PixelFormatNV12 {
			first, second = dst.u, dst.v
		}
		for i := 0; i < cw*ch; i++ {
			first[i] = chroma[2*i]
			second[i] = chroma[2*i+1]
		}
	}
}

// packNV12 interleaves the chroma planes behind the luma plane
func packNV12(dst []byte, p planes) {
	n := copy(dst, p.y)
	uv := dst[n:]
	for i := range p.u {
		uv[2*i] = p.u[i]
		uv[2*i+1] = p.v[i]
	}
}
