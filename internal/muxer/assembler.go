package muxer

import "rapidenc/pkg/models"

// Assembler groups NAL units into access units
type Assembler struct {
	codec  models.CodecType
	cur    [][]byte
	hasVCL bool
}

// NewAssembler creates an assembler for the given codec
func NewAssembler(codec models.CodecType) *Assembler {
	return &Assembler{codec: codec}
}

// Push adds a NAL unit. When the unit begins a new access unit, the previous
// one is returned.
func (a *Assembler) Push(nalu []byte) [][]byte {
	if len(nalu) == 0 {
		return nil
	}

	var done [][]byte
	if a.hasVCL {
		boundary := false
		if isVCL(a.codec, nalu) {
			boundary = firstSliceOfPicture(a.codec, nalu)
		} else {
			boundary = opensAccessUnit(a.codec, nalu)
		}
		if boundary {
			done = a.cur
			a.cur = nil
			a.hasVCL = false
		}
	}

	a.cur = append(a.cur, nalu)
	if isVCL(a.codec, nalu) {
		a.hasVCL = true
	}
	return done
}

// Flush returns the pending access unit, if any
func (a *Assembler) Flush() [][]byte {
	done := a.cur
	a.cur = nil
	a.hasVCL = false
	return done
}

// SplitParameterSets separates leading parameter-set NAL units from the
// rest of an access unit
func SplitParameterSets(codec models.CodecType, au [][]byte) (sets, rest [][]byte) {
	for _, nalu := range au {
		if IsParameterSet(codec, nalu) {
			sets = append(sets, nalu)
		} else {
			rest = append(rest, nalu)
		}
	}
	return sets, rest
}
