// Package scene models a program layout: slots bound to sources over a canvas.
package scene

import (
	"errors"
	"fmt"
	"slices"

	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/samber/lo"
)

// Region positions a slot on the output canvas. Higher Z is drawn on top.
type Region struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"w" json:"w"`
	Height int `yaml:"h" json:"h"`
	Z      int `yaml:"z" json:"z"`
}

// Slot binds a source (or nothing, when SourceID is empty) to a region.
type Slot struct {
	SourceID string `yaml:"source" json:"source,omitempty"`
	Region   Region `yaml:"region" json:"region"`
}

// Scene is an ordered list of slots rendered at a fixed output format.
type Scene struct {
	ID        string           `yaml:"id" json:"id"`
	Name      string           `yaml:"name" json:"name"`
	Output    media.Resolution `yaml:"output" json:"output"`
	Framerate int              `yaml:"framerate" json:"framerate"`
	Slots     []Slot           `yaml:"slots" json:"slots"`
}

// Validate checks geometry and that every referenced source is known.
// known may be nil to skip the reference check.
func (s *Scene) Validate(known func(id string) bool) error {
	var errs []error
	if !source.ValidID(s.ID) {
		errs = append(errs, fmt.Errorf("id %q: invalid", s.ID))
	}
	if !s.Output.Valid() {
		errs = append(errs, fmt.Errorf("output %s: dimensions must be positive and even", s.Output))
	}
	if s.Framerate <= 0 || s.Framerate > 120 {
		errs = append(errs, fmt.Errorf("framerate %d: out of range (1..120)", s.Framerate))
	}
	if len(s.Slots) == 0 {
		errs = append(errs, errors.New("at least one slot is required"))
	}
	for i, sl := range s.Slots {
		r := sl.Region
		if r.Width <= 0 || r.Height <= 0 {
			errs = append(errs, fmt.Errorf("slot %d: empty region", i))
			continue
		}
		if r.X < 0 || r.Y < 0 || r.X+r.Width > s.Output.Width || r.Y+r.Height > s.Output.Height {
			errs = append(errs, fmt.Errorf("slot %d: region %dx%d+%d+%d outside canvas %s", i, r.Width, r.Height, r.X, r.Y, s.Output))
		}
		if sl.SourceID != "" && known != nil && !known(sl.SourceID) {
			errs = append(errs, fmt.Errorf("slot %d: unknown source %q", i, sl.SourceID))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("scene %q: %w", s.ID, err)
	}
	return nil
}

// Normalize fills unset optional fields.
func (s *Scene) Normalize() {
	if s.Name == "" {
		s.Name = s.ID
	}
}

// SourceIDs returns the distinct referenced sources in slot order.
func (s *Scene) SourceIDs() []string {
	ids := lo.FilterMap(s.Slots, func(sl Slot, _ int) (string, bool) { return sl.SourceID, sl.SourceID != "" })
	return lo.Uniq(ids)
}

// References reports whether any slot binds sourceID.
func (s *Scene) References(sourceID string) bool {
	return slices.ContainsFunc(s.Slots, func(sl Slot) bool { return sl.SourceID == sourceID })
}

// Clone returns a deep copy; the compositor keeps its own copy of the active scene.
func (s *Scene) Clone() *Scene {
	if s == nil {
		return nil
	}
	c := *s
	c.Slots = slices.Clone(s.Slots)
	return &c
}
