package ingest

import (
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
)

type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateError     State = "error"
	StateStopping  State = "stopping"
	StateFailed    State = "failed"
)

// States lists every state, for one-hot gauges.
var States = []string{
	string(StateIdle), string(StateStarting), string(StateStreaming),
	string(StateError), string(StateStopping), string(StateFailed),
}

// SubState qualifies StateStreaming.
type SubState string

const (
	SubOK       SubState = "ok"
	SubNoSignal SubState = "no_signal"
)

// Status is an immutable snapshot of one supervisor.
type Status struct {
	SourceID        string            `json:"source_id"`
	State           State             `json:"state"`
	SubState        SubState          `json:"sub_state,omitempty"`
	Resolution      string            `json:"resolution"`
	Output          string            `json:"output"`
	Encoder         string            `json:"encoder,omitempty"`
	ClaimKind       arbiter.ClaimKind `json:"claim_kind,omitempty"`
	Failures        int               `json:"failures"`
	LastError       string            `json:"last_error,omitempty"`
	Frames          int64             `json:"frames"`
	LastHealthCheck time.Time         `json:"last_health_check,omitzero"`
	LastFrameAt     time.Time         `json:"last_frame_at,omitzero"`
	StartedAt       time.Time         `json:"started_at,omitzero"`
}

// Live reports whether the source is delivering frames.
func (s Status) Live() bool { return s.State == StateStreaming && s.SubState == SubOK }

// Listener observes status changes. It is called synchronously outside the
// supervisor lock and must not block.
type Listener func(Status)
