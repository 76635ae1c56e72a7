// Package catalog loads the sources and scenes the engine may use.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/edirooss/zmux-mixer/internal/domain/scene"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable view of the catalog. Sources and scenes are sorted by id.
type Snapshot struct {
	Sources []source.Source `yaml:"sources" json:"sources"`
	Scenes  []scene.Scene   `yaml:"scenes" json:"scenes"`
}

func (s Snapshot) Source(id string) (source.Source, bool) {
	i := slices.IndexFunc(s.Sources, func(src source.Source) bool { return src.ID == id })
	if i < 0 {
		return source.Source{}, false
	}
	return s.Sources[i], true
}

// Scene returns a private copy of the scene with the given id.
func (s Snapshot) Scene(id string) (*scene.Scene, bool) {
	i := slices.IndexFunc(s.Scenes, func(sc scene.Scene) bool { return sc.ID == id })
	if i < 0 {
		return nil, false
	}
	return s.Scenes[i].Clone(), true
}

// Provider hands out the current catalog.
type Provider interface {
	Snapshot() Snapshot
}

// Static is a fixed catalog, mostly for tests and embedding.
type Static struct {
	snap Snapshot
}

func NewStatic(sources []source.Source, scenes []scene.Scene) (*Static, error) {
	snap, err := build(sources, scenes)
	if err != nil {
		return nil, err
	}
	return &Static{snap: snap}, nil
}

func (s *Static) Snapshot() Snapshot { return s.snap }

// Parse decodes a YAML catalog document. Unknown fields are rejected.
func Parse(r io.Reader) (Snapshot, error) {
	var doc Snapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Snapshot{}, fmt.Errorf("decode: %w", err)
	}
	return build(doc.Sources, doc.Scenes)
}

// ParseBytes is Parse over an in-memory document.
func ParseBytes(raw []byte) (Snapshot, error) { return Parse(bytes.NewReader(raw)) }

// build normalizes and validates entries, rejecting duplicate ids and scenes
// that reference unknown sources.
func build(sources []source.Source, scenes []scene.Scene) (Snapshot, error) {
	var errs []error

	srcs := make([]source.Source, 0, len(sources))
	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		src.Normalize()
		if err := src.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[src.ID] {
			errs = append(errs, fmt.Errorf("source %q: duplicate id", src.ID))
			continue
		}
		seen[src.ID] = true
		srcs = append(srcs, src)
	}

	scs := make([]scene.Scene, 0, len(scenes))
	seenScene := make(map[string]bool, len(scenes))
	for _, sc := range scenes {
		sc = *sc.Clone()
		sc.Normalize()
		if err := sc.Validate(func(id string) bool { return seen[id] }); err != nil {
			errs = append(errs, err)
			continue
		}
		if seenScene[sc.ID] {
			errs = append(errs, fmt.Errorf("scene %q: duplicate id", sc.ID))
			continue
		}
		seenScene[sc.ID] = true
		scs = append(scs, sc)
	}

	if err := errors.Join(errs...); err != nil {
		return Snapshot{}, err
	}

	slices.SortFunc(srcs, func(a, b source.Source) int { return strings.Compare(a.ID, b.ID) })
	slices.SortFunc(scs, func(a, b scene.Scene) int { return strings.Compare(a.ID, b.ID) })
	return Snapshot{Sources: srcs, Scenes: scs}, nil
}

// retain carries sources that disappeared from next over from prev as
// disabled entries. Sources are deactivated, never forgotten, while the
// process runs.
func retain(prev, next Snapshot) Snapshot {
	for _, old := range prev.Sources {
		if _, ok := next.Source(old.ID); ok {
			continue
		}
		old.Enabled = false
		next.Sources = append(next.Sources, old)
	}
	slices.SortFunc(next.Sources, func(a, b source.Source) int { return strings.Compare(a.ID, b.ID) })
	return next
}
