package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution(" 1920X1080 ")
	require.NoError(t, err)
	assert.Equal(t, Resolution{Width: 1920, Height: 1080}, r)
	assert.Equal(t, "1920x1080", r.String())

	for _, bad := range []string{"", "1920", "ax1080", "1920xb", "0x1080", "1921x1080"} {
		_, err := ParseResolution(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolutionClass(t *testing.T) {
	cases := map[Resolution]ResolutionClass{
		{Width: 720, Height: 576}:   ClassSD,
		{Width: 1280, Height: 720}:  ClassHD,
		{Width: 1920, Height: 1080}: ClassFHD,
		{Width: 1080, Height: 1920}: ClassFHD,
		{Width: 3840, Height: 2160}: ClassUHD,
	}
	for r, want := range cases {
		assert.Equal(t, want, r.Class(), r.String())
	}
}

func TestCodecValid(t *testing.T) {
	assert.True(t, CodecH264.Valid())
	assert.True(t, Codec("av1").Valid())
	assert.False(t, Codec("mpeg2").Valid())
}
