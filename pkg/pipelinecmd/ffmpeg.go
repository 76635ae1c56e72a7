package pipelinecmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edirooss/zmux-mixer/internal/pipeline"
)

// BuildArgv constructs the ffmpeg argv for spec.
func BuildArgv(bin string, spec pipeline.Spec) ([]string, error) {
	b, err := FromSpec(bin, spec)
	if err != nil {
		return nil, err
	}
	return b.BuildArgv(), nil
}

// FromSpec returns a Builder holding the full invocation for spec.
func FromSpec(bin string, spec pipeline.Spec) (*Builder, error) {
	switch spec.Ref.Kind {
	case pipeline.KindIngest:
		return ingest(bin, spec)
	case pipeline.KindProgram:
		return program(bin, spec)
	case pipeline.KindBranch:
		return branch(bin, spec)
	}
	return nil, fmt.Errorf("pipeline %s: unknown kind", spec.Ref)
}

// common emits the global flags every pipeline shares. Progress goes to stdout
// as key=value blocks; the executor derives frame counters from it.
func common(bin string) *Builder {
	return NewBuilder(bin).
		WithSwitch("-hide_banner").
		WithSwitch("-nostats").
		WithFlag("-loglevel", "warning").
		WithFlag("-progress", "pipe:1").
		WithFlag("-stats_period", "0.5")
}

func input(b *Builder, url string) {
	if strings.HasPrefix(url, "rtsp://") || strings.HasPrefix(url, "rtsps://") {
		b.WithFlag("-rtsp_transport", "tcp")
	}
	b.WithFlag("-thread_queue_size", "512").WithFlag("-i", url)
}

func videoEncode(b *Builder, enc *pipeline.Encode) {
	b.WithFlag("-c:v", enc.Encoder)
	if enc.BitrateKbps > 0 {
		kbps := strconv.Itoa(enc.BitrateKbps) + "k"
		b.WithFlag("-b:v", kbps).
			WithFlag("-maxrate", kbps).
			WithFlag("-bufsize", strconv.Itoa(enc.BitrateKbps*2)+"k")
	}
	if enc.Framerate > 0 {
		b.WithIntFlag("-r", enc.Framerate).WithIntFlag("-g", enc.Framerate*2)
	}
	b.WithFlag("-pix_fmt", "yuv420p")
	if !enc.Hardware && strings.HasPrefix(enc.Encoder, "libx26") {
		b.WithFlag("-preset", "veryfast").WithFlag("-tune", "zerolatency")
	}
}

func ingest(bin string, spec pipeline.Spec) (*Builder, error) {
	if len(spec.Inputs) != 1 {
		return nil, fmt.Errorf("ingest %s: want exactly one input, got %d", spec.Ref.ID, len(spec.Inputs))
	}
	if spec.Output.IsZero() {
		return nil, fmt.Errorf("ingest %s: missing output endpoint", spec.Ref.ID)
	}

	b := common(bin)
	input(b, spec.Inputs[0])
	b.WithFlag("-map", "0:v:0").WithFlag("-map", "0:a:0?")
	if enc := spec.Encode; enc != nil {
		if enc.Resolution.Valid() {
			b.WithFlag("-vf", fmt.Sprintf("scale=%d:%d", enc.Resolution.Width, enc.Resolution.Height))
		}
		videoEncode(b, enc)
		b.WithFlag("-c:a", "aac").WithFlag("-b:a", "128k")
	} else {
		b.WithFlag("-c", "copy")
	}
	return b.WithFlag("-f", "mpegts").WithArg(spec.Output.PublishURL()), nil
}

func program(bin string, spec pipeline.Spec) (*Builder, error) {
	l, enc := spec.Layout, spec.Encode
	if l == nil || enc == nil {
		return nil, errors.New("program: layout and encode are required")
	}
	if len(l.Slots) == 0 {
		return nil, errors.New("program: layout has no positions")
	}
	if spec.Output.IsZero() {
		return nil, errors.New("program: missing output endpoint")
	}
	fps := enc.Framerate
	if fps <= 0 {
		fps = 30
	}

	b := common(bin)
	for _, in := range spec.Inputs {
		input(b, in)
	}
	// Blank placeholder and canvas base, always the last input.
	b.WithFlag("-f", "lavfi").
		WithFlag("-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d", l.Canvas.Width, l.Canvas.Height, fps))

	b.WithFlag("-filter_complex", FilterGraph(len(spec.Inputs), fps, *l)).
		WithFlag("-map", "[out]").
		WithSwitch("-an")
	videoEncode(b, enc)
	return b.WithFlag("-f", "mpegts").WithArg(spec.Output.PublishURL()), nil
}

func branch(bin string, spec pipeline.Spec) (*Builder, error) {
	if len(spec.Inputs) != 1 {
		return nil, fmt.Errorf("branch %s: want exactly one input, got %d", spec.Ref.ID, len(spec.Inputs))
	}
	if spec.Sink == nil || spec.Sink.URL == "" {
		return nil, fmt.Errorf("branch %s: missing sink", spec.Ref.ID)
	}

	b := common(bin)
	input(b, spec.Inputs[0])
	b.WithFlag("-map", "0:v:0").WithFlag("-map", "0:a:0?")
	if enc := spec.Encode; enc != nil {
		videoEncode(b, enc)
		b.WithFlag("-c:a", "copy")
	} else {
		b.WithFlag("-c", "copy")
	}

	switch spec.Sink.Format {
	case pipeline.FormatMP4:
		b.WithFlag("-movflags", "+frag_keyframe+empty_moov+default_base_moof")
	case pipeline.FormatFLV:
		b.WithFlag("-flvflags", "no_duration_filesize")
	}
	return b.WithFlag("-f", string(spec.Sink.Format)).WithSwitch("-y").WithArg(spec.Sink.URL), nil
}
