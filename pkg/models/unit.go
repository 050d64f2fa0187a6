package models

import "bytes"

// BufferFlags describe an encoded output buffer
type BufferFlags uint32

const (
	FlagKeyFrame    BufferFlags = 1 << iota // decodable without prior units
	FlagCodecConfig                         // carries parameter sets, not picture data
	FlagEndOfStream
)

// IsKeyFrame reports whether FlagKeyFrame is set
func (f BufferFlags) IsKeyFrame() bool { return f&FlagKeyFrame != 0 }

// IsCodecConfig reports whether FlagCodecConfig is set
func (f BufferFlags) IsCodecConfig() bool { return f&FlagCodecConfig != 0 }

// EncodedUnit is one access unit handed to a sink.
// Data is borrowed from the encoder and is only valid for the duration of the sink call.
type EncodedUnit struct {
	Data               []byte      `json:"-"`
	Flags              BufferFlags `json:"flags"`
	PresentationTimeUs int64       `json:"pts"` // microseconds since session start
	Generation         uint64      `json:"generation"`
}

// Clone returns a copy whose Data is owned by the caller
func (u EncodedUnit) Clone() EncodedUnit {
	u.Data = append([]byte(nil), u.Data...)
	return u
}

// ParameterSets holds the out-of-band configuration of a bitstream.
// Each set keeps its leading start code.
type ParameterSets struct {
	Codec CodecType `json:"codec"`
	VPS   []byte    `json:"vps,omitempty"` // H.265 only
	SPS   []byte    `json:"sps"`
	PPS   []byte    `json:"pps"`
}

// Units returns the sets in decoding order
func (p ParameterSets) Units() [][]byte {
	if p.Codec == CodecH265 {
		return [][]byte{p.VPS, p.SPS, p.PPS}
	}
	return [][]byte{p.SPS, p.PPS}
}

// Bytes concatenates the sets in decoding order
func (p ParameterSets) Bytes() []byte {
	var buf bytes.Buffer
	for _, u := range p.Units() {
		buf.Write(u)
	}
	return buf.Bytes()
}

// Equal reports whether both sets carry identical bytes
func (p ParameterSets) Equal(o ParameterSets) bool {
	return p.Codec == o.Codec &&
		bytes.Equal(p.VPS, o.VPS) &&
		bytes.Equal(p.SPS, o.SPS) &&
		bytes.Equal(p.PPS, o.PPS)
}

// Empty reports whether no set is present
func (p ParameterSets) Empty() bool {
	return len(p.VPS) == 0 && len(p.SPS) == 0 && len(p.PPS) == 0
}

// MediaFormat describes an encoder input or output format
type MediaFormat struct {
	Codec            CodecType   `json:"codec"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	ColorFormat      ColorFormat `json:"colorFormat,omitempty"`
	Bitrate          int         `json:"bitrate,omitempty"`
	FrameRate        int         `json:"frameRate,omitempty"`
	KeyFrameInterval int         `json:"keyFrameInterval,omitempty"`
	Rotation         int         `json:"rotation,omitempty"`
	Profile          int         `json:"profile,omitempty"`
	Level            int         `json:"level,omitempty"`
	CSD0             []byte      `json:"csd0,omitempty"` // first codec-specific data blob
	CSD1             []byte      `json:"csd1,omitempty"` // second blob, H.264 PPS
}

// PacketKind tags what a Packet carries
type PacketKind string

const (
	PacketParameterSets PacketKind = "parameter_sets"
	PacketFormat        PacketKind = "format"
	PacketUnit          PacketKind = "unit"
)

// Packet is a sink event delivered to hub subscribers
type Packet struct {
	SessionID     string
	Kind          PacketKind
	ParameterSets *ParameterSets
	Format        *MediaFormat
	Unit          *EncodedUnit // Data is owned by the packet
}
