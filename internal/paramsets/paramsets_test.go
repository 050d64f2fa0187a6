package paramsets_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidenc/internal/codec/codectest"
	"rapidenc/internal/paramsets"
	"rapidenc/pkg/models"
)

func TestSplitAVC(t *testing.T) {
	t.Parallel()

	blob := []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1F, 0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80}
	sps, pps, err := paramsets.SplitAVC(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1F}, sps)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x68, 0xCE, 0x3C, 0x80}, pps)

	again, _, err := paramsets.SplitAVC(blob)
	require.NoError(t, err)
	assert.Equal(t, sps, again, "extraction is deterministic")

	blob[4] = 0xFF
	assert.Equal(t, byte(0x67), sps[4], "results do not alias the input")
}

func TestSplitAVCErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "empty", blob: nil},
		{name: "one start code", blob: []byte{0, 0, 0, 1, 0x67, 0x42, 0xC0, 0x1F}},
		{name: "three-byte start codes only", blob: []byte{0, 0, 1, 0x67, 0x42, 0, 0, 1, 0x68, 0xCE}},
		{name: "second start code at the very end", blob: []byte{0, 0, 0, 1, 0x67, 0, 0, 0, 1}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := paramsets.SplitAVC(tt.blob)
			assert.ErrorIs(t, err, paramsets.ErrTooFewStartCodes)
		})
	}
}

func TestSplitHEVC(t *testing.T) {
	t.Parallel()

	blob := []byte{
		0, 0, 0, 1, 0x40, 0x01, 0x0C,
		0, 0, 0, 1, 0x42, 0x01, 0x01,
		0, 0, 0, 1, 0x44, 0x01, 0xC1,
	}
	vps, sps, pps, err := paramsets.SplitHEVC(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x40, 0x01, 0x0C}, vps)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x42, 0x01, 0x01}, sps)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x44, 0x01, 0xC1}, pps)

	var joined []byte
	joined = append(joined, vps...)
	joined = append(joined, sps...)
	joined = append(joined, pps...)
	assert.Equal(t, blob, joined, "ranges are contiguous and cover the blob")
}

func TestSplitHEVCLongZeroRun(t *testing.T) {
	t.Parallel()

	// Extra zero padding in front of a start code still counts as one boundary.
	blob := []byte{
		0, 0, 0, 1, 0x40, 0x01,
		0, 0, 0, 0, 1, 0x42, 0x01,
		0, 0, 0, 1, 0x44, 0x01,
	}
	vps, sps, pps, err := paramsets.SplitHEVC(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x40, 0x01, 0}, vps)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x42, 0x01}, sps)
	assert.Equal(t, []byte{0, 0, 0, 1, 0x44, 0x01}, pps)
}

func TestSplitHEVCErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "empty", blob: nil},
		{name: "vps only", blob: []byte{0, 0, 0, 1, 0x40, 0x01}},
		{name: "one boundary", blob: []byte{0, 0, 0, 1, 0x40, 0x01, 0, 0, 0, 1, 0x42, 0x01}},
		{name: "three-byte start codes", blob: []byte{0, 0, 1, 0x40, 0, 0, 1, 0x42, 0, 0, 1, 0x44}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, _, err := paramsets.SplitHEVC(tt.blob)
			assert.ErrorIs(t, err, paramsets.ErrTooFewStartCodes)
		})
	}
}

func TestFromFormat(t *testing.T) {
	t.Parallel()

	avc := codectest.AVCParameterSets(640, 480)
	hevc := codectest.HEVCParameterSets()

	tests := []struct {
		name    string
		codec   models.CodecType
		format  models.MediaFormat
		want    models.ParameterSets
		wantErr error
	}{
		{
			name:   "h264 csd-0 and csd-1",
			codec:  models.CodecH264,
			format: models.MediaFormat{CSD0: avc.SPS, CSD1: avc.PPS},
			want:   avc,
		},
		{
			name:   "h264 both sets in csd-0",
			codec:  models.CodecH264,
			format: models.MediaFormat{CSD0: avc.Bytes()},
			want:   avc,
		},
		{
			name:   "h265 csd-0",
			codec:  models.CodecH265,
			format: models.MediaFormat{CSD0: hevc.Bytes()},
			want:   hevc,
		},
		{
			name:    "no codec data",
			codec:   models.CodecH264,
			format:  models.MediaFormat{},
			wantErr: paramsets.ErrMissingCSD,
		},
		{
			name:    "h264 csd-0 without a second start code",
			codec:   models.CodecH264,
			format:  models.MediaFormat{CSD0: avc.SPS},
			wantErr: paramsets.ErrTooFewStartCodes,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := paramsets.FromFormat(tt.codec, tt.format)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %+v", got)
		})
	}
}

func TestFromConfigBuffer(t *testing.T) {
	t.Parallel()

	avc := codectest.AVCParameterSets(320, 240)
	got, err := paramsets.FromConfigBuffer(models.CodecH264, avc.Bytes())
	require.NoError(t, err)
	assert.True(t, avc.Equal(got))

	hevc := codectest.HEVCParameterSets()
	got, err = paramsets.FromConfigBuffer(models.CodecH265, hevc.Bytes())
	require.NoError(t, err)
	assert.True(t, hevc.Equal(got))

	_, err = paramsets.FromConfigBuffer("vp8", avc.Bytes())
	assert.Error(t, err)
}

func TestExtractorGate(t *testing.T) {
	t.Parallel()

	avc := codectest.AVCParameterSets(640, 480)
	format := models.MediaFormat{Codec: models.CodecH264, CSD0: avc.SPS, CSD1: avc.PPS}

	t.Run("format change then config buffer", func(t *testing.T) {
		t.Parallel()
		e := paramsets.NewExtractor(models.CodecH264)
		assert.False(t, e.Sent())

		sets, ok, err := e.FormatChanged(format)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, avc.Equal(sets))
		assert.True(t, e.Sent())

		_, ok, err = e.ConfigBuffer(avc.Bytes())
		require.NoError(t, err)
		assert.False(t, ok, "fallback is skipped once sets were sent")
	})

	t.Run("config buffer then identical format change", func(t *testing.T) {
		t.Parallel()
		e := paramsets.NewExtractor(models.CodecH264)

		_, ok, err := e.ConfigBuffer(avc.Bytes())
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = e.FormatChanged(format)
		require.NoError(t, err)
		assert.False(t, ok, "unchanged sets are not delivered twice")

		_, ok, err = e.ConfigBuffer(avc.Bytes())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("renegotiated sets are delivered", func(t *testing.T) {
		t.Parallel()
		e := paramsets.NewExtractor(models.CodecH264)
		_, ok, _ := e.FormatChanged(format)
		require.True(t, ok)

		other := codectest.AVCParameterSets(1280, 720)
		sets, ok, err := e.FormatChanged(models.MediaFormat{CSD0: other.SPS, CSD1: other.PPS})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.True(t, other.Equal(sets))

		last, sent := e.Last()
		assert.True(t, sent)
		assert.True(t, other.Equal(last))
	})

	t.Run("parse failure re-arms the fallback", func(t *testing.T) {
		t.Parallel()
		e := paramsets.NewExtractor(models.CodecH264)
		_, ok, err := e.FormatChanged(models.MediaFormat{CSD0: []byte{0x67, 0x42}})
		assert.ErrorIs(t, err, paramsets.ErrTooFewStartCodes)
		assert.False(t, ok)
		assert.False(t, e.Sent())

		_, ok, err = e.ConfigBuffer([]byte{0x01, 0x02})
		assert.Error(t, err)
		assert.False(t, ok)
		assert.False(t, e.Sent(), "a failed fallback leaves the gate open")

		_, ok, err = e.ConfigBuffer(avc.Bytes())
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestExtractorConcurrentFallback(t *testing.T) {
	t.Parallel()

	avc := codectest.AVCParameterSets(640, 480)
	e := paramsets.NewExtractor(models.CodecH264)

	results := make(chan bool, 16)
	for i := 0; i < cap(results); i++ {
		go func() {
			_, ok, _ := e.ConfigBuffer(avc.Bytes())
			results <- ok
		}()
	}

	delivered := 0
	for i := 0; i < cap(results); i++ {
		if <-results {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered, "sets are delivered at most once")
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	for _, size := range [][2]int{{1280, 720}, {1920, 1080}, {640, 480}, {64, 48}} {
		sets := codectest.AVCParameterSets(size[0], size[1])
		desc, err := paramsets.Describe(sets)
		require.NoError(t, err, "%dx%d", size[0], size[1])
		assert.Equal(t, size[0], desc.Width)
		assert.Equal(t, size[1], desc.Height)
		assert.Equal(t, 66, desc.Profile)
		assert.Equal(t, 31, desc.Level)

		var format models.MediaFormat
		desc.Apply(&format)
		assert.Equal(t, size[0], format.Width)
	}

	_, err := paramsets.Describe(models.ParameterSets{Codec: models.CodecH264})
	assert.Error(t, err)
}
