package pipeline

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
)

// Format is a container/muxer for branch sinks.
type Format string

const (
	FormatMPEGTS Format = "mpegts"
	FormatMP4    Format = "mp4"
	FormatMKV    Format = "matroska"
	FormatFLV    Format = "flv"
	FormatWebM   Format = "webm"
)

// allowedCodecs lists the video codecs each container can carry. Formats not
// listed accept anything the engine produces.
var allowedCodecs = map[Format][]media.Codec{
	FormatFLV:  {media.CodecH264},
	FormatWebM: {media.CodecVP8, media.CodecVP9, media.CodecAV1},
	FormatMP4:  {media.CodecH264, media.CodecHEVC, media.CodecAV1, media.CodecVP9},
}

// AllowedCodecs returns the codecs f can carry, or nil when unconstrained.
func (f Format) AllowedCodecs() []media.Codec { return allowedCodecs[f] }

// Accepts reports whether f can carry c.
func (f Format) Accepts(c media.Codec) bool {
	allowed, ok := allowedCodecs[f]
	if !ok {
		return true
	}
	for _, a := range allowed {
		if a == c {
			return true
		}
	}
	return false
}

// Extension is the file extension used for recordings in this format.
func (f Format) Extension() string {
	switch f {
	case FormatMP4:
		return "mp4"
	case FormatMKV:
		return "mkv"
	case FormatFLV:
		return "flv"
	case FormatWebM:
		return "webm"
	default:
		return "ts"
	}
}

// ParseFormat accepts the muxer name or a common alias.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mpegts", "ts":
		return FormatMPEGTS, nil
	case "mp4":
		return FormatMP4, nil
	case "matroska", "mkv":
		return FormatMKV, nil
	case "flv":
		return FormatFLV, nil
	case "webm":
		return FormatWebM, nil
	}
	return "", fmt.Errorf("format %q: unsupported", s)
}

// FormatForURL guesses a muxer from a publish URL or file path.
func FormatForURL(raw string) (Format, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "rtmp", "rtmps":
		return FormatFLV, nil
	case "srt", "udp", "rist":
		return FormatMPEGTS, nil
	case "", "file":
		if ext := strings.TrimPrefix(filepath.Ext(u.Path), "."); ext != "" {
			return ParseFormat(ext)
		}
	}
	return "", fmt.Errorf("url %q: cannot infer format, set it explicitly", raw)
}
