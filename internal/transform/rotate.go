package transform

// rotatePlane writes src (w x h samples) rotated clockwise by deg into dst.
// For 90 and 270 the destination is h samples wide.
func rotatePlane(dst, src []byte, w, h, deg int) {
	switch deg {
	case 90:
		for y := 0; y < h; y++ {
			row := src[y*w : (y+1)*w]
			for x, s := range row {
				dst[x*h+(h-1-y)] = s
			}
		}
	case 180:
		n := w * h
		for i := 0; i < n; i++ {
			dst[n-1-i] = src[i]
		}
	case 270:
		for y := 0; y < h; y++ {
			row := src[y*w : (y+1)*w]
			for x, s := range row {
				dst[(w-1-x)*h+y] = s
			}
		}
	default:
		copy(dst, src[:w*h])
	}
}

// rotatePlanes rotates all three planes of p into dst
func rotatePlanes(dst, p planes, deg int) {
	rotatePlane(dst.y, p.y, p.w, p.h, deg)
	rotatePlane(dst.u, p.u, p.w/2, p.h/2, deg)
	rotatePlane(dst.v, p.v, p.w/2, p.h/2, deg)
}

// rotatedSize returns the picture size after a clockwise rotation
func rotatedSize(w, h, deg int) (int, int) {
	if deg == 90 || deg == 270 {
		return h, w
	}
	return w, h
}
