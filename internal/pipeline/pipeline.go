// Package pipeline defines the contract between the orchestration engine and
// whatever executes media pipelines (ffmpeg processes in production, fakes in tests).
//
// A Handle is a supervised wrapper around one running pipeline. Handles are
// single-use: once Done fires the owner builds a new one.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
)

// Kind identifies which component owns a pipeline.
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindProgram Kind = "program"
	KindBranch  Kind = "branch"
)

// Ref names a pipeline by owner kind and id. Refs are how branches reference a
// tapped pipeline without owning it.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// ProgramRef addresses the single program output pipeline.
var ProgramRef = Ref{Kind: KindProgram, ID: "program"}

func IngestRef(sourceID string) Ref { return Ref{Kind: KindIngest, ID: sourceID} }

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

var (
	// ErrHardwareFault classifies an exit caused by the hardware encoder.
	ErrHardwareFault = errors.New("hardware encoder fault")

	// ErrExited is reported when a pipeline ends without a more specific cause.
	ErrExited = errors.New("pipeline exited")

	// ErrNotStarted is returned by operations that need a running handle.
	ErrNotStarted = errors.New("pipeline not started")
)

// Encode describes the video encode stage. A nil *Encode means stream copy.
type Encode struct {
	Codec       media.Codec      `json:"codec"`
	Encoder     string           `json:"encoder"`
	Hardware    bool             `json:"hardware"`
	Resolution  media.Resolution `json:"resolution"`
	Framerate   int              `json:"framerate"`
	BitrateKbps int              `json:"bitrate_kbps"`
}

// SlotLayout places one compositor position. Positions are drawn in order, so
// the layout is sorted by z before it reaches the executor.
type SlotLayout struct {
	Input  int  `json:"input"` // index into Spec.Inputs, or -1 for a blank placeholder
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Width  int  `json:"w"`
	Height int  `json:"h"`
	Hidden bool `json:"hidden,omitempty"` // unused pre-allocated position
}

// Layout is the live-reconfigurable part of a program pipeline.
type Layout struct {
	Canvas media.Resolution `json:"canvas"`
	Slots  []SlotLayout     `json:"slots"`
}

// Sink is where a branch pipeline writes.
type Sink struct {
	URL    string `json:"url"` // file path or network URL
	Format Format `json:"format"`
}

// Spec is everything an executor needs to build a handle.
type Spec struct {
	Ref    Ref      `json:"ref"`
	Name   string   `json:"name"` // unique per build, used for process logs
	Inputs []string `json:"inputs"`
	Output Endpoint `json:"output"` // shared endpoint the pipeline publishes to; zero for branches
	Encode *Encode  `json:"encode,omitempty"`
	Layout *Layout  `json:"layout,omitempty"` // program only
	Sink   *Sink    `json:"sink,omitempty"`   // branch only
}

// Stats is a point-in-time view of a running handle.
type Stats struct {
	Alive        bool      `json:"alive"`
	Frames       int64     `json:"frames"`
	StartedAt    time.Time `json:"started_at"`
	FirstFrameAt time.Time `json:"first_frame_at"`
	LastFrameAt  time.Time `json:"last_frame_at"`
}

// Handle is one supervised pipeline.
type Handle interface {
	Spec() Spec
	// Start launches the pipeline. It returns once the pipeline is spawned, not
	// once media flows; watch FirstFrame for that.
	Start(ctx context.Context) error
	// Stop asks for a graceful stop and escalates to a forced kill. It returns
	// when the pipeline is gone or ctx expires. Stopping a dead handle succeeds.
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	// Err is the exit cause once Done fired; nil when the exit was requested.
	Err() error
	FirstFrame() <-chan struct{}
	Stats() Stats
	// Reconfigure applies a new layout without restarting (program handles only).
	Reconfigure(ctx context.Context, l Layout) error
	Output() Endpoint
}

// Executor builds handles from specs.
type Executor interface {
	Build(spec Spec) (Handle, error)
}

// Registry resolves a Ref to the currently running handle, if any.
type Registry interface {
	Lookup(ref Ref) (Handle, bool)
}

// LogSource is implemented by executors that retain per-pipeline output.
type LogSource interface {
	Logs(ref Ref, lines int) ([]string, bool)
}

// Alive reports whether h is non-nil and has not exited.
func Alive(h Handle) bool {
	if h == nil {
		return false
	}
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}
