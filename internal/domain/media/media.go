// Package media holds the small value types shared by sources, scenes and pipelines.
package media

import (
	"fmt"
	"strconv"
	"strings"
)

// Codec names a video codec family (not a concrete encoder).
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecHEVC Codec = "hevc"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
)

var knownCodecs = map[Codec]struct{}{
	CodecH264: {}, CodecHEVC: {}, CodecVP8: {}, CodecVP9: {}, CodecAV1: {},
}

// Valid reports whether c is a codec the engine knows how to negotiate.
func (c Codec) Valid() bool {
	_, ok := knownCodecs[c]
	return ok
}

func (c Codec) String() string { return string(c) }

// ResolutionClass buckets resolutions for hardware slot accounting.
type ResolutionClass string

const (
	ClassSD  ResolutionClass = "sd"
	ClassHD  ResolutionClass = "hd"
	ClassFHD ResolutionClass = "fhd"
	ClassUHD ResolutionClass = "uhd"
)

// Valid reports whether rc is one of the known classes.
func (rc ResolutionClass) Valid() bool {
	switch rc {
	case ClassSD, ClassHD, ClassFHD, ClassUHD:
		return true
	}
	return false
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// ParseResolution accepts "WIDTHxHEIGHT".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("resolution %q: want WIDTHxHEIGHT", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %q: width: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("resolution %q: height: %w", s, err)
	}
	r := Resolution{Width: width, Height: height}
	if !r.Valid() {
		return Resolution{}, fmt.Errorf("resolution %q: dimensions must be positive and even", s)
	}
	return r, nil
}

// Valid reports whether both dimensions are positive and even (required by 4:2:0 encoders).
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0 && r.Width%2 == 0 && r.Height%2 == 0
}

func (r Resolution) String() string { return fmt.Sprintf("%dx%d", r.Width, r.Height) }

// Class maps the resolution to its slot accounting bucket by line count.
func (r Resolution) Class() ResolutionClass {
	lines := min(r.Width, r.Height)
	switch {
	case lines > 1080:
		return ClassUHD
	case lines > 720:
		return ClassFHD
	case lines > 576:
		return ClassHD
	default:
		return ClassSD
	}
}
