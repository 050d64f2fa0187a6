package codec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rapidenc/internal/codec"
	"rapidenc/pkg/models"
)

func info(name string, c models.CodecType, hw bool, colors ...models.ColorFormat) codec.Info {
	return codec.Info{Name: name, Codec: c, Hardware: hw, ColorFormats: colors}
}

func testRegistry() *codec.Registry {
	r := codec.NewRegistry()
	r.Register(info("sw.avc", models.CodecH264, false, models.ColorFormatPlanar))
	r.Register(info("hw.avc", models.CodecH264, true, models.ColorFormatSemiPlanar, models.ColorFormatPlanar))
	r.Register(info("hw.avc.surface", models.CodecH264, true, "surface"))
	r.Register(info("sw.hevc", models.CodecH265, false, models.ColorFormatSemiPlanar))
	return r
}

func names(infos []codec.Info) []string {
	out := make([]string, len(infos))
	for i, in := range infos {
		out[i] = in.Name
	}
	return out
}

func TestCandidates(t *testing.T) {
	t.Parallel()

	r := testRegistry()
	assert.Equal(t, []string{"hw.avc", "hw.avc.surface"}, names(r.Candidates(models.CodecH264, models.PolicyHardware)))
	assert.Equal(t, []string{"sw.avc"}, names(r.Candidates(models.CodecH264, models.PolicySoftware)))
	assert.Equal(t, []string{"hw.avc", "hw.avc.surface", "sw.avc"}, names(r.Candidates(models.CodecH264, models.PolicyFirstCompatible)))
	assert.Empty(t, r.Candidates(models.CodecH265, models.PolicyHardware))
}

func TestChoose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		codec   models.CodecType
		policy  models.SelectionPolicy
		color   models.ColorFormat
		encoder string
		want    string
		wantErr bool
	}{
		{name: "hardware first", codec: models.CodecH264, policy: models.PolicyFirstCompatible, color: models.ColorFormatAuto, want: "hw.avc"},
		{name: "software only", codec: models.CodecH264, policy: models.PolicySoftware, color: models.ColorFormatAuto, want: "sw.avc"},
		{name: "color narrows choice", codec: models.CodecH264, policy: models.PolicySoftware, color: models.ColorFormatSemiPlanar, wantErr: true},
		{name: "explicit name", codec: models.CodecH264, policy: models.PolicyFirstCompatible, color: models.ColorFormatPlanar, encoder: "sw.avc", want: "sw.avc"},
		{name: "explicit name outside policy", codec: models.CodecH264, policy: models.PolicyHardware, color: models.ColorFormatAuto, encoder: "sw.avc", wantErr: true},
		{name: "hevc software", codec: models.CodecH265, policy: models.PolicyFirstCompatible, color: models.ColorFormatAuto, want: "sw.hevc"},
		{name: "hevc hardware missing", codec: models.CodecH265, policy: models.PolicyHardware, color: models.ColorFormatAuto, wantErr: true},
	}

	r := testRegistry()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Choose(tt.codec, tt.policy, tt.color, tt.encoder)
			if tt.wantErr {
				assert.ErrorIs(t, err, codec.ErrNoCompatibleEncoder)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Name)
		})
	}
}

func TestResolveColorFormat(t *testing.T) {
	t.Parallel()

	c, err := info("a", models.CodecH264, true, "surface", models.ColorFormatSemiPlanar, models.ColorFormatPlanar).
		ResolveColorFormat(models.ColorFormatAuto)
	require.NoError(t, err)
	assert.Equal(t, models.ColorFormatSemiPlanar, c, "first advertised planar or semi-planar class wins")

	c, err = info("b", models.CodecH264, true, models.ColorFormatPlanar).ResolveColorFormat(models.ColorFormatPlanar)
	require.NoError(t, err)
	assert.Equal(t, models.ColorFormatPlanar, c)

	_, err = info("c", models.CodecH264, true, "surface").ResolveColorFormat(models.ColorFormatAuto)
	assert.ErrorIs(t, err, codec.ErrUnsupportedColorFormat)

	_, err = info("d", models.CodecH264, true, models.ColorFormatPlanar).ResolveColorFormat(models.ColorFormatSemiPlanar)
	assert.ErrorIs(t, err, codec.ErrNoCompatibleEncoder)
}

func TestRegisterReplacesByName(t *testing.T) {
	t.Parallel()

	r := codec.NewRegistry()
	r.Register(info("x", models.CodecH264, false, models.ColorFormatPlanar))
	r.Register(info("x", models.CodecH264, true, models.ColorFormatSemiPlanar))

	all := r.All()
	require.Len(t, all, 1)
	assert.True(t, all[0].Hardware)

	api := all[0].EncoderInfo()
	assert.Equal(t, "x", api.Name)
	assert.Equal(t, "h264", api.Codec)
	assert.Equal(t, []string{"semiplanar"}, api.ColorFormats)
}
