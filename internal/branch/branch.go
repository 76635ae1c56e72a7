// Package branch attaches recording and publishing sinks to running pipelines.
//
// A branch is its own pipeline reading the tapped pipeline's shared output
// endpoint. Branches never own the pipeline they tap: they resolve it through
// a pipeline.Registry and tolerate it disappearing.
package branch

import (
	"errors"
	"fmt"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/google/uuid"
)

type Kind string

const (
	KindRecord  Kind = "record"
	KindPublish Kind = "publish"
)

var Kinds = []Kind{KindRecord, KindPublish}

func (k Kind) Valid() bool { return k == KindRecord || k == KindPublish }

// SinkConfig describes what a new branch writes and where.
type SinkConfig struct {
	Kind Kind `json:"kind"`
	// URL is the publish destination. Recordings derive their path from the
	// record directory and SessionID instead.
	URL       string          `json:"url,omitempty"`
	Format    pipeline.Format `json:"format,omitempty"` // inferred when empty
	Transcode bool            `json:"transcode,omitempty"`
	Codec     media.Codec     `json:"codec,omitempty"` // transcode target; defaults to h264
	SessionID string          `json:"session_id,omitempty"`
}

// Branch is a snapshot of one attached sink.
type Branch struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Target    pipeline.Ref      `json:"target"`
	URL       string            `json:"url"`
	Format    pipeline.Format   `json:"format"`
	Transcode bool              `json:"transcode,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Active    bool              `json:"active"`
	Encoder   string            `json:"encoder,omitempty"`
	ClaimKind arbiter.ClaimKind `json:"claim_kind,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Restarts  int               `json:"restarts,omitempty"`
	Frames    int64             `json:"frames,omitempty"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	StartedAt time.Time         `json:"started_at,omitzero"`
}

// DetachResult reports a detach. AlreadySatisfied is set when there was
// nothing left to stop.
type DetachResult struct {
	ID               string `json:"id"`
	AlreadySatisfied bool   `json:"already_satisfied"`
}

// Config tunes the branch manager.
type Config struct {
	RecordDir    string          `yaml:"record_dir" split_words:"true"`
	RecordFormat pipeline.Format `yaml:"record_format" split_words:"true"`
	// TapTimeout ends a branch whose tapped pipeline stays silent this long.
	TapTimeout  time.Duration `yaml:"tap_timeout" split_words:"true"`
	StopTimeout time.Duration `yaml:"stop_timeout" split_words:"true"`
	BitrateKbps int           `yaml:"bitrate_kbps" split_words:"true"` // transcode only; 0 picks by class
}

func DefaultConfig() Config {
	return Config{
		RecordDir:    "/var/lib/zmux-mixer/recordings",
		RecordFormat: pipeline.FormatMPEGTS,
		TapTimeout:   10 * time.Second,
		StopTimeout:  5 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.RecordDir == "" {
		errs = append(errs, errors.New("record_dir: required"))
	}
	if _, err := pipeline.ParseFormat(string(c.RecordFormat)); err != nil {
		errs = append(errs, fmt.Errorf("record_format: %w", err))
	}
	if c.TapTimeout <= 0 || c.StopTimeout <= 0 {
		errs = append(errs, errors.New("tap_timeout and stop_timeout must be positive"))
	}
	if c.BitrateKbps < 0 {
		errs = append(errs, errors.New("bitrate_kbps: negative"))
	}
	return errors.Join(errs...)
}

// NewSessionID names a recording session: UTC start time plus a short id.
func NewSessionID(now time.Time) string {
	return now.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}
