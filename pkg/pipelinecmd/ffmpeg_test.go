package pipelinecmd

import (
	"strings"
	"testing"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var endpoint = pipeline.Endpoint{Group: "239.255.42.1", Port: 20001}

func TestIngestArgv(t *testing.T) {
	argv, err := BuildArgv("ffmpeg", pipeline.Spec{
		Ref:    pipeline.IngestRef("cam-1"),
		Inputs: []string{"rtsp://10.0.0.10/stream1"},
		Output: endpoint,
		Encode: &pipeline.Encode{
			Codec: media.CodecH264, Encoder: "libx264",
			Resolution: media.Resolution{Width: 1280, Height: 720}, Framerate: 25, BitrateKbps: 3000,
		},
	})
	require.NoError(t, err)

	cmd := strings.Join(argv, " ")
	assert.Equal(t, "ffmpeg", argv[0])
	assert.Contains(t, cmd, "-progress pipe:1")
	assert.Contains(t, cmd, "-rtsp_transport tcp -thread_queue_size 512 -i rtsp://10.0.0.10/stream1")
	assert.Contains(t, cmd, "-vf scale=1280:720 -c:v libx264 -b:v 3000k -maxrate 3000k -bufsize 6000k -r 25 -g 50")
	assert.Contains(t, cmd, "-preset veryfast")
	assert.Equal(t, endpoint.PublishURL(), argv[len(argv)-1])
}

func TestIngestHardwareSkipsSoftwareTuning(t *testing.T) {
	argv, err := BuildArgv("ffmpeg", pipeline.Spec{
		Ref:    pipeline.IngestRef("cam-1"),
		Inputs: []string{"srt://10.0.0.10:9000"},
		Output: endpoint,
		Encode: &pipeline.Encode{Codec: media.CodecH264, Encoder: "h264_v4l2m2m", Hardware: true, Framerate: 30},
	})
	require.NoError(t, err)
	cmd := strings.Join(argv, " ")
	assert.NotContains(t, cmd, "-preset")
	assert.NotContains(t, cmd, "-rtsp_transport")
}

func TestIngestRejectsMissingOutput(t *testing.T) {
	_, err := BuildArgv("ffmpeg", pipeline.Spec{Ref: pipeline.IngestRef("cam-1"), Inputs: []string{"srt://x"}})
	assert.ErrorContains(t, err, "missing output endpoint")
}

func TestProgramArgvAndGraph(t *testing.T) {
	layout := pipeline.Layout{
		Canvas: media.Resolution{Width: 1920, Height: 1080},
		Slots: []pipeline.SlotLayout{
			{Input: 0, X: 0, Y: 0, Width: 960, Height: 540},
			{Input: -1, X: 960, Y: 0, Width: 960, Height: 540},
			{Hidden: true},
		},
	}
	argv, err := BuildArgv("ffmpeg", pipeline.Spec{
		Ref:    pipeline.ProgramRef,
		Inputs: []string{"udp://239.255.42.1:20001?reuse=1"},
		Output: pipeline.Endpoint{Group: "239.255.42.1", Port: 21000},
		Encode: &pipeline.Encode{Codec: media.CodecH264, Encoder: "h264_v4l2m2m", Hardware: true, Framerate: 30},
		Layout: &layout,
	})
	require.NoError(t, err)
	cmd := strings.Join(argv, " ")
	assert.Contains(t, cmd, "-f lavfi -i color=c=black:s=1920x1080:r=30")
	assert.Contains(t, cmd, "-map [out] -an")

	graph := FilterGraph(1, 30, layout)
	assert.Contains(t, graph, "[0:v]scale=1920:1080,fps=30,format=yuv420p,split=3[i0p0][i0p1][i0p2]")
	assert.Contains(t, graph, "[1:v]scale=1920:1080,fps=30,format=yuv420p,split=4[i1p0][i1p1][i1p2][i1p3]")
	assert.Contains(t, graph, "[i0p0][i1p0]streamselect@sel0=inputs=2:map=0[s0]")
	assert.Contains(t, graph, "[i0p1][i1p1]streamselect@sel1=inputs=2:map=1[s1]")
	assert.Contains(t, graph, "[i1p3][v0]overlay@ov0=x=0:y=0:eval=frame[o0]")
	assert.Contains(t, graph, "[o1][v2]overlay@ov2=x=1920:y=0:eval=frame[out]")
}

func TestLayoutCommands(t *testing.T) {
	cmds := LayoutCommands(2, pipeline.Layout{
		Canvas: media.Resolution{Width: 1280, Height: 720},
		Slots: []pipeline.SlotLayout{
			{Input: 1, X: 10, Y: 20, Width: 640, Height: 360},
			{Hidden: true},
		},
	})
	assert.Equal(t, []string{
		"streamselect@sel0 -1 map 1",
		"scale@sc0 -1 w 640",
		"scale@sc0 -1 h 360",
		"overlay@ov0 -1 x 10",
		"overlay@ov0 -1 y 20",
		"streamselect@sel1 -1 map 2",
		"scale@sc1 -1 w 2",
		"scale@sc1 -1 h 2",
		"overlay@ov1 -1 x 1280",
		"overlay@ov1 -1 y 0",
	}, cmds)
}

func TestBranchArgv(t *testing.T) {
	argv, err := BuildArgv("ffmpeg", pipeline.Spec{
		Ref:    pipeline.Ref{Kind: pipeline.KindBranch, ID: "b1"},
		Inputs: []string{endpoint.SubscribeURL(0)},
		Sink:   &pipeline.Sink{URL: "/var/lib/zmux/rec/s1/cam-1.mp4", Format: pipeline.FormatMP4},
	})
	require.NoError(t, err)
	cmd := strings.Join(argv, " ")
	assert.Contains(t, cmd, "-c copy")
	assert.Contains(t, cmd, "-movflags +frag_keyframe+empty_moov+default_base_moof -f mp4 -y /var/lib/zmux/rec/s1/cam-1.mp4")

	_, err = BuildArgv("ffmpeg", pipeline.Spec{Ref: pipeline.Ref{Kind: pipeline.KindBranch, ID: "b1"}, Inputs: []string{"x"}})
	assert.ErrorContains(t, err, "missing sink")
}

func TestBuildStringQuotes(t *testing.T) {
	s := NewBuilder("ffmpeg").WithFlag("-metadata", "title=it's live").WithFlag("-empty", "").BuildString()
	assert.Equal(t, `'ffmpeg' '-metadata' 'title=it'\''s live'`, s)
}
