package pipelinecmd

import (
	"fmt"
	"strings"

	"github.com/edirooss/zmux-mixer/internal/pipeline"
)

// FilterGraph renders the compositor graph for n bound inputs plus the blank
// input at index n.
//
// Every input is normalized to the canvas and split once per position. Each
// position picks its input with a streamselect, scales it and is overlaid on
// the canvas in order. All three filters are named so LayoutCommands can retarget
// them while the pipeline runs:
//
//	sel<p> (streamselect map), sc<p> (scale w/h), ov<p> (overlay x/y)
func FilterGraph(n, fps int, l pipeline.Layout) string {
	positions := len(l.Slots)
	var parts []string

	for i := 0; i <= n; i++ {
		outs := positions
		if i == n {
			outs++ // canvas base
		}
		var labels strings.Builder
		for p := 0; p < outs; p++ {
			fmt.Fprintf(&labels, "[i%dp%d]", i, p)
		}
		parts = append(parts, fmt.Sprintf("[%d:v]scale=%d:%d,fps=%d,format=yuv420p,split=%d%s",
			i, l.Canvas.Width, l.Canvas.Height, fps, outs, labels.String()))
	}

	base := fmt.Sprintf("[i%dp%d]", n, positions)
	for p, s := range l.Slots {
		var ins strings.Builder
		for i := 0; i <= n; i++ {
			fmt.Fprintf(&ins, "[i%dp%d]", i, p)
		}
		m, w, h, x, y := place(n, l.Canvas.Width, s)
		out := fmt.Sprintf("[o%d]", p)
		if p == positions-1 {
			out = "[out]"
		}
		parts = append(parts,
			fmt.Sprintf("%sstreamselect@sel%d=inputs=%d:map=%d[s%d]", ins.String(), p, n+1, m, p),
			fmt.Sprintf("[s%d]scale@sc%d=w=%d:h=%d:eval=frame[v%d]", p, p, w, h, p),
			fmt.Sprintf("%s[v%d]overlay@ov%d=x=%d:y=%d:eval=frame%s", base, p, p, x, y, out),
		)
		base = out
	}
	return strings.Join(parts, ";")
}

// LayoutCommands returns the filter commands that move a running graph built
// by FilterGraph to l. Each line is "<target> <time> <command> <arg>" as read by
// ffmpeg's interactive 'c' command.
func LayoutCommands(n int, l pipeline.Layout) []string {
	cmds := make([]string, 0, len(l.Slots)*5)
	for p, s := range l.Slots {
		m, w, h, x, y := place(n, l.Canvas.Width, s)
		cmds = append(cmds,
			fmt.Sprintf("streamselect@sel%d -1 map %d", p, m),
			fmt.Sprintf("scale@sc%d -1 w %d", p, w),
			fmt.Sprintf("scale@sc%d -1 h %d", p, h),
			fmt.Sprintf("overlay@ov%d -1 x %d", p, x),
			fmt.Sprintf("overlay@ov%d -1 y %d", p, y),
		)
	}
	return cmds
}

// place resolves one position: blank positions select input n, hidden ones are
// parked off-canvas.
func place(n, canvasW int, s pipeline.SlotLayout) (m, w, h, x, y int) {
	m = s.Input
	if m < 0 || m > n {
		m = n
	}
	if s.Hidden {
		return n, 2, 2, canvasW, 0
	}
	return m, s.Width, s.Height, s.X, s.Y
}
