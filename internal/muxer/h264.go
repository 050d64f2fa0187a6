package muxer

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// AnnexB start codes
var (
	// 4-byte start code (used for parameter sets and the first NAL of an access unit)
	StartCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	// 3-byte start code
	StartCode3 = []byte{0x00, 0x00, 0x01}
)

// SplitAnnexB decodes a complete Annex-B buffer into NAL units
func SplitAnnexB(data []byte) ([][]byte, error) {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "decode annex-b")
	}
	return au, nil
}

// JoinAnnexB encodes NAL units with 4-byte start codes
func JoinAnnexB(nalus [][]byte) []byte {
	// Marshal only copies; it has no failure path
	out, _ := h264.AnnexB(nalus).Marshal()
	return out
}

// IsParameterSet reports whether nalu is a VPS, SPS or PPS
func IsParameterSet(codec models.CodecType, nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	if codec == models.CodecH265 {
		switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
		case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT:
			return true
		}
		return false
	}
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeSPS, h264.NALUTypePPS:
		return true
	}
	return false
}

// IsKeyFrame reports whether the access unit can be decoded on its own
func IsKeyFrame(codec models.CodecType, au [][]byte) bool {
	if codec == models.CodecH265 {
		return h265.IsRandomAccess(au)
	}
	return h264.IsRandomAccess(au)
}

// isVCL reports whether nalu carries slice data
func isVCL(codec models.CodecType, nalu []byte) bool {
	if codec == models.CodecH265 {
		return (nalu[0]>>1)&0x3F < 32
	}
	typ := h264.NALUType(nalu[0] & 0x1F)
	return typ >= h264.NALUTypeNonIDR && typ <= h264.NALUTypeIDR
}

// firstSliceOfPicture reports whether a VCL NAL unit opens a new picture:
// first_mb_in_slice == 0 for H.264, first_slice_segment_in_pic_flag for H.265.
func firstSliceOfPicture(codec models.CodecType, nalu []byte) bool {
	if codec == models.CodecH265 {
		return len(nalu) > 2 && nalu[2]&0x80 != 0
	}
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

// opensAccessUnit reports whether a non-VCL NAL unit following picture data
// starts the next access unit
func opensAccessUnit(codec models.CodecType, nalu []byte) bool {
	if codec == models.CodecH265 {
		typ := (nalu[0] >> 1) & 0x3F
		switch {
		case typ >= uint8(h265.NALUType_VPS_NUT) && typ <= uint8(h265.NALUType_AUD_NUT):
			return true
		case typ == uint8(h265.NALUType_PREFIX_SEI_NUT):
			return true
		case typ >= 41 && typ <= 44, typ >= 48 && typ <= 55:
			return true
		}
		return false
	}
	switch typ := h264.NALUType(nalu[0] & 0x1F); typ {
	case h264.NALUTypeSEI, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeAccessUnitDelimiter:
		return true
	default:
		return typ >= 14 && typ <= 18
	}
}
