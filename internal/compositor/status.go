package compositor

import (
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
)

type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateSwitching State = "switching"
	StateDegraded  State = "degraded"
	StateStopping  State = "stopping"
)

var States = []string{
	string(StateStopped), string(StateStarting), string(StateRunning),
	string(StateSwitching), string(StateDegraded), string(StateStopping),
}

// SlotStatus reports one scene slot. Live is false for empty slots and for
// slots whose source is not streaming.
type SlotStatus struct {
	Index    int    `json:"index"`
	SourceID string `json:"source_id,omitempty"`
	Live     bool   `json:"live"`
}

// Status is an immutable snapshot of the program.
type Status struct {
	State         State             `json:"state"`
	ActiveSceneID string            `json:"active_scene_id,omitempty"`
	Output        string            `json:"output"`
	Codec         media.Codec       `json:"codec,omitempty"`
	Encoder       string            `json:"encoder,omitempty"`
	ClaimKind     arbiter.ClaimKind `json:"claim_kind,omitempty"`
	Capacity      int               `json:"capacity,omitempty"`
	Inputs        []string          `json:"inputs,omitempty"`
	Slots         []SlotStatus      `json:"slots,omitempty"`
	Generation    int64             `json:"generation"`
	Recoveries    int               `json:"recoveries,omitempty"`
	Frames        int64             `json:"frames,omitempty"`
	LastFrameAt   time.Time         `json:"last_frame_at,omitzero"`
	LastError     string            `json:"last_error,omitempty"`
}

// LiveSlots counts slots bound to a streaming source.
func (s Status) LiveSlots() int {
	n := 0
	for _, sl := range s.Slots {
		if sl.Live {
			n++
		}
	}
	return n
}

type Listener func(Status)
