package compositor

import (
	"cmp"
	"slices"

	"github.com/edirooss/zmux-mixer/internal/domain/scene"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
)

// capacityFor is the number of compositor positions a scene is built with.
func capacityFor(sc *scene.Scene, minSlots int) int {
	return max(len(sc.Slots), minSlots)
}

// buildLayout places sc on a program whose inputs are bound to the given
// source ids, in input order. Slots whose source is not in inputs, or not in
// live, render the blank input. Positions are ordered by z and padded with
// hidden positions up to capacity.
func buildLayout(sc *scene.Scene, inputs []string, live func(string) bool, capacity int) (pipeline.Layout, []SlotStatus) {
	order := make([]int, len(sc.Slots))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(sc.Slots[a].Region.Z, sc.Slots[b].Region.Z)
	})

	slots := make([]SlotStatus, len(sc.Slots))
	l := pipeline.Layout{Canvas: sc.Output, Slots: make([]pipeline.SlotLayout, capacity)}
	for p, i := range order {
		sl := sc.Slots[i]
		in := -1
		if sl.SourceID != "" && live(sl.SourceID) {
			in = slices.Index(inputs, sl.SourceID)
		}
		l.Slots[p] = pipeline.SlotLayout{
			Input:  in,
			X:      sl.Region.X,
			Y:      sl.Region.Y,
			Width:  sl.Region.Width,
			Height: sl.Region.Height,
		}
		slots[i] = SlotStatus{Index: i, SourceID: sl.SourceID, Live: in >= 0}
	}
	for p := len(order); p < capacity; p++ {
		l.Slots[p] = pipeline.SlotLayout{Input: -1, Hidden: true}
	}
	return l, slots
}

func sameLayout(a, b pipeline.Layout) bool {
	return a.Canvas == b.Canvas && slices.Equal(a.Slots, b.Slots)
}
