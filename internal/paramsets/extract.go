package paramsets

import (
	"github.com/pkg/errors"

	"rapidenc/pkg/models"
)

// FromFormat extracts parameter sets from a format-change descriptor.
// H.264 encoders report SPS in csd-0 and PPS in csd-1; when csd-1 is absent
// csd-0 is split instead. H.265 encoders pack VPS, SPS and PPS into csd-0.
func FromFormat(codec models.CodecType, format models.MediaFormat) (models.ParameterSets, error) {
	if len(format.CSD0) == 0 {
		return models.ParameterSets{}, ErrMissingCSD
	}

	switch codec {
	case models.CodecH265:
		return fromHEVC(format.CSD0)
	case models.CodecH264:
		if len(format.CSD1) > 0 {
			return models.ParameterSets{
				Codec: models.CodecH264,
				SPS:   clone(format.CSD0),
				PPS:   clone(format.CSD1),
			}, nil
		}
		return fromAVC(format.CSD0)
	}
	return models.ParameterSets{}, errors.Errorf("paramsets: unknown codec %q", codec)
}

// FromConfigBuffer extracts parameter sets from an output buffer flagged as
// codec configuration
func FromConfigBuffer(codec models.CodecType, buf []byte) (models.ParameterSets, error) {
	switch codec {
	case models.CodecH265:
		return fromHEVC(buf)
	case models.CodecH264:
		return fromAVC(buf)
	}
	return models.ParameterSets{}, errors.Errorf("paramsets: unknown codec %q", codec)
}

func fromAVC(blob []byte) (models.ParameterSets, error) {
	sps, pps, err := SplitAVC(blob)
	if err != nil {
		return models.ParameterSets{}, err
	}
	return models.ParameterSets{Codec: models.CodecH264, SPS: sps, PPS: pps}, nil
}

func fromHEVC(blob []byte) (models.ParameterSets, error) {
	vps, sps, pps, err := SplitHEVC(blob)
	if err != nil {
		return models.ParameterSets{}, err
	}
	return models.ParameterSets{Codec: models.CodecH265, VPS: vps, SPS: sps, PPS: pps}, nil
}
