package muxer

import (
	"bytes"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"rapidenc/pkg/models"
)

// PrependParameterSets prepends parameter sets to an Annex-B key frame so it
// can be decoded by a consumer that joined mid-stream.
// Units that already start with the sets are returned unchanged.
func PrependParameterSets(sets models.ParameterSets, unit []byte) []byte {
	if sets.Empty() {
		return unit
	}
	prefix := sets.Bytes()
	if bytes.HasPrefix(unit, prefix) {
		return unit
	}

	result := make([]byte, 0, len(prefix)+len(unit))
	result = append(result, prefix...)
	result = append(result, unit...)
	return result
}

// CollectParameterSets files parameter-set NAL units into a ParameterSets,
// each with a 4-byte start code. Units of other types are ignored.
func CollectParameterSets(codec models.CodecType, nalus [][]byte) models.ParameterSets {
	sets := models.ParameterSets{Codec: codec}
	for _, nalu := range nalus {
		if !IsParameterSet(codec, nalu) {
			continue
		}
		annexB := JoinAnnexB([][]byte{nalu})

		if codec == models.CodecH265 {
			switch h265.NALUType((nalu[0] >> 1) & 0x3F) {
			case h265.NALUType_VPS_NUT:
				sets.VPS = annexB
			case h265.NALUType_SPS_NUT:
				sets.SPS = annexB
			default:
				sets.PPS = annexB
			}
			continue
		}
		if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
			sets.SPS = annexB
		} else {
			sets.PPS = annexB
		}
	}
	return sets
}
