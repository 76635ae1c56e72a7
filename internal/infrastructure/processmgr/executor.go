//go:build linux

// Package processmgr runs pipelines as supervised ffmpeg processes.
package processmgr

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/edirooss/zmux-mixer/pkg/pipelinecmd"
	"go.uber.org/zap"
)

// ExecutorConfig configures how pipelines are spawned.
type ExecutorConfig struct {
	Binary    string        // ffmpeg executable
	StopGrace time.Duration // SIGTERM → SIGKILL grace
}

// Executor implements pipeline.Executor on top of ffmpeg processes.
// It is safe for concurrent use.
type Executor struct {
	log  *zap.Logger
	cfg  ExecutorConfig
	env  []string
	logs *LogManager
}

var (
	_ pipeline.Executor  = (*Executor)(nil)
	_ pipeline.LogSource = (*Executor)(nil)
)

func NewExecutor(log *zap.Logger, cfg ExecutorConfig) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	return &Executor{
		log:  log.Named("process"),
		cfg:  cfg,
		env:  append(os.Environ(), "AV_LOG_FORCE_NOCOLOR=1"),
		logs: NewLogManager(),
	}
}

// Build renders the argv up front so malformed specs fail before anything is spawned.
func (e *Executor) Build(spec pipeline.Spec) (pipeline.Handle, error) {
	b, err := pipelinecmd.FromSpec(e.cfg.Binary, spec)
	if err != nil {
		return nil, fmt.Errorf("build argv: %w: %w", orcherr.ErrConfigurationInvalid, err)
	}
	log := e.log.With(zap.String("ref", spec.Ref.String()), zap.String("name", spec.Name))
	log.Debug("pipeline built", zap.String("cmd", b.BuildString()))

	return &handle{
		exec:  e,
		log:   log,
		spec:  spec,
		argv:  b.BuildArgv(),
		first: make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Logs returns stderr retained for ref across all its pipelines, newest first.
func (e *Executor) Logs(ref pipeline.Ref, lines int) ([]string, bool) {
	return e.logs.Read(ref.String(), lines)
}

// handle adapts a process to pipeline.Handle. The process is created on Start
// so an unstarted handle holds no file descriptors.
type handle struct {
	exec *Executor
	log  *zap.Logger
	spec pipeline.Spec
	argv []string

	mu   sync.Mutex
	proc *process

	first    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func (h *handle) Spec() pipeline.Spec         { return h.spec }
func (h *handle) Output() pipeline.Endpoint   { return h.spec.Output }
func (h *handle) Done() <-chan struct{}       { return h.done }
func (h *handle) FirstFrame() <-chan struct{} { return h.first }

func (h *handle) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.proc != nil {
		return fmt.Errorf("pipeline %s already started", h.spec.Name)
	}
	select {
	case <-h.done:
		return fmt.Errorf("pipeline %s already stopped", h.spec.Name)
	default:
	}

	buf := h.exec.logs.get(h.spec.Ref.String())
	hardware := h.spec.Encode != nil && h.spec.Encode.Hardware
	p, err := newProcess(h.log, buf, h.exec.env, h.argv, hardware)
	if err != nil {
		return err
	}
	buf.Append("--- " + h.spec.Name + " starting ---")
	if err := p.Start(); err != nil {
		buf.Append(err.Error())
		return err
	}
	h.proc = p

	go func() {
		select {
		case <-p.FirstFrame():
			close(h.first)
		case <-p.Done():
		}
	}()
	go func() {
		<-p.Done()
		h.doneOnce.Do(func() { close(h.done) })
	}()
	return nil
}

func (h *handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()

	if p == nil {
		h.doneOnce.Do(func() { close(h.done) })
		return nil
	}

	p.Close(h.exec.cfg.StopGrace)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", h.spec.Name, orcherr.ErrOperationTimeout)
	}
}

func (h *handle) Err() error {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.err()
}

func (h *handle) Stats() pipeline.Stats {
	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p == nil {
		return pipeline.Stats{}
	}
	return p.stats()
}

func (h *handle) Reconfigure(ctx context.Context, l pipeline.Layout) error {
	if h.spec.Layout == nil {
		return fmt.Errorf("pipeline %s has no layout", h.spec.Name)
	}
	if len(l.Slots) != len(h.spec.Layout.Slots) || l.Canvas != h.spec.Layout.Canvas {
		return fmt.Errorf("pipeline %s: layout shape changed: %w", h.spec.Name, orcherr.ErrConfigurationInvalid)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	p := h.proc
	h.mu.Unlock()
	if p == nil {
		return pipeline.ErrNotStarted
	}
	return p.Command(pipelinecmd.LayoutCommands(len(h.spec.Inputs), l)...)
}
