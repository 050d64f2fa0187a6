package paramsets

import (
	"bytes"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/hevc"
	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// Description holds the stream properties decoded from an SPS
type Description struct {
	Width   int
	Height  int
	Profile int
	Level   int
}

// Describe decodes the SPS of sets
func Describe(sets models.ParameterSets) (Description, error) {
	nalu := trimStartCode(sets.SPS)
	if len(nalu) == 0 {
		return Description{}, errors.New("paramsets: empty SPS")
	}

	switch sets.Codec {
	case models.CodecH264:
		sps, err := avc.ParseSPSNALUnit(nalu, false)
		if err != nil {
			return Description{}, errors.Wrap(err, "parse h264 sps")
		}
		return Description{
			Width:   int(sps.Width),
			Height:  int(sps.Height),
			Profile: int(sps.Profile),
			Level:   int(sps.Level),
		}, nil

	case models.CodecH265:
		sps, err := hevc.ParseSPSNALUnit(nalu)
		if err != nil {
			return Description{}, errors.Wrap(err, "parse h265 sps")
		}
		w, h := sps.ImageSize()
		return Description{
			Width:   int(w),
			Height:  int(h),
			Profile: int(sps.ProfileTierLevel.GeneralProfileIDC),
			Level:   int(sps.ProfileTierLevel.GeneralLevelIDC),
		}, nil
	}
	return Description{}, errors.Errorf("paramsets: unknown codec %q", sets.Codec)
}

// Apply copies the decoded properties into a format descriptor
func (d Description) Apply(format *models.MediaFormat) {
	format.Width = d.Width
	format.Height = d.Height
	format.Profile = d.Profile
	format.Level = d.Level
}

// trimStartCode drops a leading 3- or 4-byte start code and trailing zero padding
func trimStartCode(b []byte) []byte {
	switch {
	case bytes.HasPrefix(b, StartCode):
		b = b[4:]
	case bytes.HasPrefix(b, StartCode[1:]):
		b = b[3:]
	}
	return bytes.TrimRight(b, "\x00")
}
