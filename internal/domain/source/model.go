// Package source models an ingestable camera or contribution feed.
package source

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/pkg/mediaurl"
)

// ProgramTarget is the reserved identifier that addresses the program output.
// No source may use it.
const ProgramTarget = "program"

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Capability describes how the source is encoded once ingested.
type Capability struct {
	Codec       media.Codec `yaml:"codec" json:"codec"`
	BitrateKbps int         `yaml:"bitrate_kbps" json:"bitrate_kbps"`
}

// Source is a catalog entry. Sources are never deleted while the process runs,
// only disabled.
type Source struct {
	ID         string           `yaml:"id" json:"id"`
	Name       string           `yaml:"name" json:"name"`
	URL        string           `yaml:"url" json:"url"`
	Resolution media.Resolution `yaml:"resolution" json:"resolution"`
	Framerate  int              `yaml:"framerate" json:"framerate"`
	Enabled    bool             `yaml:"enabled" json:"enabled"`
	Capability Capability       `yaml:"capability" json:"capability"`
}

// ResolutionClass is the slot accounting bucket of the expected resolution.
func (s Source) ResolutionClass() media.ResolutionClass { return s.Resolution.Class() }

// Validate checks a catalog entry. Defaults are applied by Normalize first.
func (s *Source) Validate() error {
	var errs []error
	if !ValidID(s.ID) {
		errs = append(errs, fmt.Errorf("id %q: must match %s", s.ID, idPattern))
	}
	if s.ID == ProgramTarget {
		errs = append(errs, fmt.Errorf("id %q is reserved", s.ID))
	}
	if u, err := mediaurl.Validate(s.URL); err != nil {
		errs = append(errs, err)
	} else if u.Scheme == "" || u.Scheme == "file" {
		errs = append(errs, fmt.Errorf("url %q: network scheme required", s.URL))
	}
	if !s.Resolution.Valid() {
		errs = append(errs, fmt.Errorf("resolution %s: dimensions must be positive and even", s.Resolution))
	}
	if s.Framerate <= 0 || s.Framerate > 120 {
		errs = append(errs, fmt.Errorf("framerate %d: out of range (1..120)", s.Framerate))
	}
	if !s.Capability.Codec.Valid() {
		errs = append(errs, fmt.Errorf("codec %q: unknown", s.Capability.Codec))
	}
	if s.Capability.BitrateKbps < 0 {
		errs = append(errs, fmt.Errorf("bitrate_kbps %d: negative", s.Capability.BitrateKbps))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("source %q: %w", s.ID, err)
	}
	return nil
}

// Normalize fills unset optional fields.
func (s *Source) Normalize() {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.Capability.Codec == "" {
		s.Capability.Codec = media.CodecH264
	}
	if s.Capability.BitrateKbps == 0 {
		s.Capability.BitrateKbps = DefaultBitrate(s.Resolution.Class())
	}
}

// DefaultBitrate is the encode bitrate in kbps used when none is configured.
func DefaultBitrate(rc media.ResolutionClass) int {
	switch rc {
	case media.ClassUHD:
		return 16000
	case media.ClassFHD:
		return 6000
	case media.ClassHD:
		return 3500
	default:
		return 1500
	}
}

// ValidID reports whether id is usable as a source or scene identifier.
func ValidID(id string) bool { return idPattern.MatchString(id) }
