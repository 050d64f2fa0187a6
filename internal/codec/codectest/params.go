package codectest

import (
	"math/bits"

	"rapidenc/internal/muxer"
	"rapidenc/pkg/models"
)

// bitWriter writes an RBSP most significant bit first
type bitWriter struct {
	buf []byte
	cur byte
	n   uint
}

func (w *bitWriter) bit(b uint) {
	w.cur = w.cur<<1 | byte(b&1)
	w.n++
	if w.n == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.n = 0, 0
	}
}

func (w *bitWriter) bits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.bit(v >> uint(i))
	}
}

// ue writes an unsigned Exp-Golomb code
func (w *bitWriter) ue(v uint) {
	v1 := v + 1
	l := bits.Len(v1)
	w.bits(0, l-1)
	w.bits(v1, l)
}

func (w *bitWriter) trailing() []byte {
	w.bit(1)
	for w.n != 0 {
		w.bit(0)
	}
	return w.buf
}

// escape inserts emulation prevention bytes
func escape(rbsp []byte) []byte {
	out := make([]byte, 0, len(rbsp)+4)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 3 {
			out = append(out, 0x03)
			zeros = 0
		}
		out = append(out, b)
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
	}
	return out
}

// AVCSPS returns a baseline-profile level 3.1 H.264 SPS NAL unit (no start code)
// describing a width x height picture
func AVCSPS(width, height int) []byte {
	mbw := (width + 15) / 16
	mbh := (height + 15) / 16

	var w bitWriter
	w.bits(66, 8)   // profile_idc
	w.bits(0xC0, 8) // constraint_set0/1
	w.bits(31, 8)   // level_idc
	w.ue(0)         // seq_parameter_set_id
	w.ue(0)         // log2_max_frame_num_minus4
	w.ue(2)         // pic_order_cnt_type
	w.ue(1)         // max_num_ref_frames
	w.bit(0)        // gaps_in_frame_num_value_allowed_flag
	w.ue(uint(mbw - 1))
	w.ue(uint(mbh - 1))
	w.bit(1) // frame_mbs_only_flag
	w.bit(1) // direct_8x8_inference_flag

	cropRight := (mbw*16 - width) / 2
	cropBottom := (mbh*16 - height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.bit(1)
		w.ue(0)
		w.ue(uint(cropRight))
		w.ue(0)
		w.ue(uint(cropBottom))
	} else {
		w.bit(0)
	}
	w.bit(0) // vui_parameters_present_flag

	return append([]byte{0x67}, escape(w.trailing())...)
}

// AVCPPS returns a minimal H.264 PPS NAL unit (no start code)
func AVCPPS() []byte {
	var w bitWriter
	w.ue(0)      // pic_parameter_set_id
	w.ue(0)      // seq_parameter_set_id
	w.bit(0)     // entropy_coding_mode_flag
	w.bit(0)     // bottom_field_pic_order_in_frame_present_flag
	w.ue(0)      // num_slice_groups_minus1
	w.ue(0)      // num_ref_idx_l0_default_active_minus1
	w.ue(0)      // num_ref_idx_l1_default_active_minus1
	w.bit(0)     // weighted_pred_flag
	w.bits(0, 2) // weighted_bipred_idc
	w.ue(0)      // pic_init_qp_minus26
	w.ue(0)      // pic_init_qs_minus26
	w.ue(0)      // chroma_qp_index_offset
	w.bit(1)     // deblocking_filter_control_present_flag
	w.bit(0)     // constrained_intra_pred_flag
	w.bit(0)     // redundant_pic_cnt_present_flag

	return append([]byte{0x68}, escape(w.trailing())...)
}

// Fixed H.265 parameter set NAL units. They are only meant to be carried
// around, not decoded.
var (
	HEVCVPS = []byte{0x40, 0x01, 0x0c, 0x01, 0xff, 0xff, 0x01, 0x60}
	HEVCSPS = []byte{0x42, 0x01, 0x01, 0x01, 0x60, 0x00, 0x00, 0x03, 0x00, 0xb0}
	HEVCPPS = []byte{0x44, 0x01, 0xc1, 0x72, 0xb4, 0x62, 0x40}
)

// AVCParameterSets returns H.264 sets for a width x height stream, each with a start code
func AVCParameterSets(width, height int) models.ParameterSets {
	return models.ParameterSets{
		Codec: models.CodecH264,
		SPS:   muxer.JoinAnnexB([][]byte{AVCSPS(width, height)}),
		PPS:   muxer.JoinAnnexB([][]byte{AVCPPS()}),
	}
}

// HEVCParameterSets returns the fixed H.265 sets, each with a start code
func HEVCParameterSets() models.ParameterSets {
	return models.ParameterSets{
		Codec: models.CodecH265,
		VPS:   muxer.JoinAnnexB([][]byte{HEVCVPS}),
		SPS:   muxer.JoinAnnexB([][]byte{HEVCSPS}),
		PPS:   muxer.JoinAnnexB([][]byte{HEVCPPS}),
	}
}

// ParameterSets returns the sets the fake encoder produces for a format
func ParameterSets(format models.MediaFormat) models.ParameterSets {
	if format.Codec == models.CodecH265 {
		return HEVCParameterSets()
	}
	return AVCParameterSets(format.Width, format.Height)
}
