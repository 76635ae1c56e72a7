// Package pipelinetest provides an in-memory pipeline.Executor for tests.
// Handles never touch the OS: tests drive first frames, stalls, crashes and
// hardware faults explicitly, or let handles emit frames on a ticker.
package pipelinetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/edirooss/zmux-mixer/internal/pipeline"
)

type Option func(*Executor)

// WithAutoFrames makes every started handle emit a frame each interval until
// it is frozen or stopped.
func WithAutoFrames(interval time.Duration) Option {
	return func(e *Executor) { e.frameInterval = interval }
}

// OnBuild registers a hook run on every new handle before it is returned.
func OnBuild(fn func(*Handle)) Option {
	return func(e *Executor) { e.onBuild = append(e.onBuild, fn) }
}

// Executor records every handle it builds.
type Executor struct {
	mu            sync.Mutex
	handles       []*Handle
	buildErr      error
	frameInterval time.Duration
	onBuild       []func(*Handle)
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetBuildErr makes subsequent Build calls fail with err (nil restores success).
func (e *Executor) SetBuildErr(err error) {
	e.mu.Lock()
	e.buildErr = err
	e.mu.Unlock()
}

func (e *Executor) Build(spec pipeline.Spec) (pipeline.Handle, error) {
	e.mu.Lock()
	if e.buildErr != nil {
		err := e.buildErr
		e.mu.Unlock()
		return nil, err
	}
	h := &Handle{
		spec:  spec,
		exec:  e,
		done:  make(chan struct{}),
		first: make(chan struct{}),
	}
	e.handles = append(e.handles, h)
	hooks := e.onBuild
	e.mu.Unlock()

	for _, fn := range hooks {
		fn(h)
	}
	return h, nil
}

// Handles returns every handle built for ref, oldest first.
func (e *Executor) Handles(ref pipeline.Ref) []*Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Handle
	for _, h := range e.handles {
		if h.spec.Ref == ref {
			out = append(out, h)
		}
	}
	return out
}

// Latest returns the most recently built handle for ref, or nil.
func (e *Executor) Latest(ref pipeline.Ref) *Handle {
	hs := e.Handles(ref)
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

// Builds counts handles built for ref.
func (e *Executor) Builds(ref pipeline.Ref) int { return len(e.Handles(ref)) }

// Running counts handles for ref that were started and have not exited.
func (e *Executor) Running(ref pipeline.Ref) int {
	n := 0
	for _, h := range e.Handles(ref) {
		if h.Started() && pipeline.Alive(h) {
			n++
		}
	}
	return n
}

// Handle is a fake pipeline.Handle.
type Handle struct {
	spec pipeline.Spec
	exec *Executor

	mu        sync.Mutex
	started   bool
	frozen    bool
	startErr  error
	reconfErr error
	err       error
	frames    int64
	startedAt time.Time
	firstAt   time.Time
	lastAt    time.Time
	layouts   []pipeline.Layout
	stopCalls int

	done      chan struct{}
	doneOnce  sync.Once
	first     chan struct{}
	firstOnce sync.Once
}

var _ pipeline.Handle = (*Handle)(nil)

func (h *Handle) Spec() pipeline.Spec       { return h.spec }
func (h *Handle) Output() pipeline.Endpoint { return h.spec.Output }
func (h *Handle) Done() <-chan struct{}     { return h.done }
func (h *Handle) FirstFrame() <-chan struct{} {
	return h.first
}

// FailStart makes Start return err.
func (h *Handle) FailStart(err error) {
	h.mu.Lock()
	h.startErr = err
	h.mu.Unlock()
}

// FailReconfigure makes Reconfigure return err.
func (h *Handle) FailReconfigure(err error) {
	h.mu.Lock()
	h.reconfErr = err
	h.mu.Unlock()
}

func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.startErr != nil {
		err := h.startErr
		h.mu.Unlock()
		return err
	}
	if h.started {
		h.mu.Unlock()
		return errors.New("pipelinetest: handle already started")
	}
	h.started = true
	h.startedAt = time.Now()
	h.mu.Unlock()

	if h.exec.frameInterval > 0 {
		go h.pump(h.exec.frameInterval)
	}
	return nil
}

func (h *Handle) pump(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			h.mu.Lock()
			frozen := h.frozen
			h.mu.Unlock()
			if !frozen {
				h.EmitFrame()
			}
		}
	}
}

// EmitFrame records one decoded frame.
func (h *Handle) EmitFrame() {
	if !pipeline.Alive(h) {
		return
	}
	now := time.Now()
	h.mu.Lock()
	h.frames++
	h.lastAt = now
	if h.firstAt.IsZero() {
		h.firstAt = now
	}
	h.mu.Unlock()
	h.firstOnce.Do(func() { close(h.first) })
}

// Freeze stops automatic frames, simulating a stall or a dark input.
func (h *Handle) Freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

// Thaw resumes automatic frames.
func (h *Handle) Thaw() {
	h.mu.Lock()
	h.frozen = false
	h.mu.Unlock()
}

// Crash terminates the handle with err (pipeline.ErrExited when nil).
func (h *Handle) Crash(err error) {
	if err == nil {
		err = pipeline.ErrExited
	}
	h.exit(err)
}

// HardwareFault terminates the handle as if the hardware encoder failed.
func (h *Handle) HardwareFault() { h.Crash(pipeline.ErrHardwareFault) }

func (h *Handle) exit(err error) {
	h.doneOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopCalls++
	h.mu.Unlock()
	h.exit(nil)
	return nil
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Stats() pipeline.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return pipeline.Stats{
		Alive:        h.started && pipeline.Alive(h),
		Frames:       h.frames,
		StartedAt:    h.startedAt,
		FirstFrameAt: h.firstAt,
		LastFrameAt:  h.lastAt,
	}
}

func (h *Handle) Reconfigure(ctx context.Context, l pipeline.Layout) error {
	if !pipeline.Alive(h) {
		return pipeline.ErrNotStarted
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reconfErr != nil {
		return h.reconfErr
	}
	h.layouts = append(h.layouts, l)
	return nil
}

// Layouts returns every layout applied through Reconfigure.
func (h *Handle) Layouts() []pipeline.Layout {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pipeline.Layout(nil), h.layouts...)
}

func (h *Handle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

func (h *Handle) StopCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopCalls
}
