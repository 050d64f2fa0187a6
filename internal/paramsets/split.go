// Package paramsets recovers codec parameter sets (VPS/SPS/PPS) from encoder
// format descriptors and configuration buffers.
package paramsets

import (
	"bytes"

	"github.com/pkg/errors"
)

// StartCode is the 4-byte Annex-B start code that prefixes each parameter set
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

var (
	// ErrTooFewStartCodes is returned when a blob does not contain enough
	// start codes to delimit every parameter set
	ErrTooFewStartCodes = errors.New("paramsets: too few start codes")
	// ErrMissingCSD is returned when a format descriptor carries no codec-specific data
	ErrMissingCSD = errors.New("paramsets: format carries no codec-specific data")
)

// SplitAVC splits an H.264 configuration blob into SPS and PPS.
// The SPS runs from the first 4-byte start code up to the second one, the PPS
// from the second start code to the end. Each keeps its start code.
func SplitAVC(blob []byte) (sps, pps []byte, err error) {
	first, second := -1, -1
	for i := 0; i+len(StartCode) < len(blob); i++ {
		if !bytes.Equal(blob[i:i+len(StartCode)], StartCode) {
			continue
		}
		if first < 0 {
			first = i
			i += len(StartCode) - 1
			continue
		}
		second = i
		break
	}
	if second < 0 {
		return nil, nil, errors.Wrapf(ErrTooFewStartCodes, "h264 config of %d bytes", len(blob))
	}
	return clone(blob[first:second]), clone(blob[second:]), nil
}

// SplitHEVC splits an H.265 configuration blob into VPS, SPS and PPS.
// It scans for a run of three zero bytes followed by 0x01; the first two such
// start codes after the leading one are the SPS and PPS boundaries. The three
// returned ranges are contiguous and together cover the whole blob.
func SplitHEVC(blob []byte) (vps, sps, pps []byte, err error) {
	var bounds [2]int
	found, zeros := 0, 0
	for i, b := range blob {
		if zeros >= 3 && b == 0x01 {
			// A start code at offset 0 opens the VPS and is not a boundary.
			if pos := i - 3; pos > 0 {
				bounds[found] = pos
				found++
				if found == len(bounds) {
					break
				}
			}
		}
		if b == 0x00 {
			zeros++
		} else {
			zeros = 0
		}
	}
	if found < len(bounds) {
		return nil, nil, nil, errors.Wrapf(ErrTooFewStartCodes, "h265 config: found %d of 2 boundaries", found)
	}
	return clone(blob[:bounds[0]]), clone(blob[bounds[0]:bounds[1]]), clone(blob[bounds[1]:]), nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
