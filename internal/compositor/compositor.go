// Package compositor owns the program pipeline: it maps the active scene onto
// a running compositing pipeline, switches scenes live and rebuilds only when
// the pipeline topology has to change.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/clock"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/domain/scene"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	modeInPlace  = "in_place"
	modeRebuild  = "rebuild"
	modeRollback = "rollback"

	resultOK     = "ok"
	resultFailed = "failed"
)

// SourceView reports which sources are streaming and where they publish.
type SourceView interface {
	StreamingOutput(sourceID string) (pipeline.Endpoint, bool)
}

// BranchLinker restarts the branches tapping a pipeline that was rebuilt.
type BranchLinker interface {
	Relink(ctx context.Context, ref pipeline.Ref) error
}

type Deps struct {
	Executor pipeline.Executor
	Arbiter  *arbiter.Arbiter
	Sources  SourceView
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	OnChange Listener
}

// program is the runtime of the active scene. Values are replaced, never
// mutated, once published in Compositor.prog.
type program struct {
	scene      *scene.Scene
	handle     pipeline.Handle
	claim      arbiter.Claim
	inputs     []string // source ids in pipeline input order
	capacity   int
	codec      media.Codec
	layout     pipeline.Layout
	slots      []SlotStatus
	generation int64
}

// op carries the context of one serialized mutation and the stop epoch it
// started in.
type op struct {
	ctx   context.Context
	epoch int64
}

type Compositor struct {
	log      *zap.Logger
	cfg      Config
	exec     pipeline.Executor
	arb      *arbiter.Arbiter
	sources  SourceView
	clk      clock.Clock
	metrics  *metrics.Metrics
	output   pipeline.Endpoint
	onChange Listener

	gate      chan struct{} // 1-token semaphore serializing mutations
	requested atomic.Int64  // newest scene request
	builds    atomic.Int64

	mu          sync.Mutex
	state       State
	prog        *program
	lastErr     error
	constraints []pipeline.Format
	linker      BranchLinker
	epoch       int64 // bumped by Stop
	cancelOp    context.CancelFunc
	recoveries  int
	rebind      bool // a source changed while a start or switch was in flight
}

// New returns a stopped compositor publishing the program to output.
func New(log *zap.Logger, cfg Config, output pipeline.Endpoint, d Deps) *Compositor {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	c := &Compositor{
		log:      log.Named("compositor"),
		cfg:      cfg,
		exec:     d.Executor,
		arb:      d.Arbiter,
		sources:  d.Sources,
		clk:      d.Clock,
		metrics:  d.Metrics,
		output:   output,
		onChange: d.OnChange,
		gate:     make(chan struct{}, 1),
		state:    StateStopped,
	}
	c.gate <- struct{}{}
	c.metrics.SetProgramState(string(StateStopped), States)
	return c
}

// SetLinker wires the branch manager. It is set after construction because
// the branch manager looks the program up through the compositor.
func (c *Compositor) SetLinker(l BranchLinker) {
	c.mu.Lock()
	c.linker = l
	c.mu.Unlock()
}

func (c *Compositor) Output() pipeline.Endpoint { return c.output }

// Start brings the program up with sc. A nil scene fails fast with ErrNoScene;
// on a running compositor Start behaves like SetScene.
func (c *Compositor) Start(ctx context.Context, sc *scene.Scene) (Status, error) {
	return c.apply(ctx, sc)
}

// SetScene switches the program to sc, in place when the running topology
// allows it. A stopped compositor is started. Requests overtaken by a newer
// one while waiting return ErrSuperseded.
func (c *Compositor) SetScene(ctx context.Context, sc *scene.Scene) (Status, error) {
	return c.apply(ctx, sc)
}

func (c *Compositor) apply(ctx context.Context, sc *scene.Scene) (Status, error) {
	if sc == nil {
		return c.Status(), orcherr.ErrNoScene
	}
	if err := sc.Validate(nil); err != nil {
		return c.Status(), fmt.Errorf("%w: %w", orcherr.ErrConfigurationInvalid, err)
	}
	sc = sc.Clone()

	gen := c.requested.Add(1)
	epoch := c.stopEpoch()
	if err := c.lock(ctx); err != nil {
		return c.Status(), err
	}
	defer c.unlock()

	if c.requested.Load() != gen {
		return c.Status(), fmt.Errorf("scene %q: %w", sc.ID, orcherr.ErrSuperseded)
	}
	o, end, err := c.begin(ctx, epoch)
	if err != nil {
		return c.Status(), err
	}
	defer end()

	err = c.switchTo(o, sc, gen)
	if err == nil {
		c.mu.Lock()
		c.recoveries = 0
		c.mu.Unlock()
	}
	c.rebindPending(o)
	return c.Status(), err
}

// Stop cancels any in-flight start or switch and tears the program down.
// Idempotent; clears a degraded state.
func (c *Compositor) Stop(ctx context.Context) (Status, error) {
	c.mu.Lock()
	c.epoch++
	if c.cancelOp != nil {
		c.cancelOp()
	}
	c.mu.Unlock()

	if err := c.lock(ctx); err != nil {
		return c.Status(), err
	}
	defer c.unlock()

	c.mu.Lock()
	p := c.prog
	c.mu.Unlock()
	if p == nil {
		c.setState(StateStopped, nil)
		return c.Status(), nil
	}

	c.setState(StateStopping, nil)
	c.teardown(p)
	c.setState(StateStopped, nil)
	c.log.Info("program stopped", zap.String("scene_id", p.scene.ID))
	return c.Status(), nil
}

// Renegotiate applies the formats of the program's downstream consumers. The
// program is rebuilt only when its current codec is no longer acceptable.
func (c *Compositor) Renegotiate(ctx context.Context, formats []pipeline.Format) (media.Codec, error) {
	epoch := c.stopEpoch()
	if err := c.lock(ctx); err != nil {
		return "", err
	}
	defer c.unlock()

	c.mu.Lock()
	p := c.prog
	old := c.constraints
	c.mu.Unlock()

	var keep media.Codec
	if p != nil {
		keep = p.codec
	}
	codec, err := negotiate(keep, c.cfg.PreferredCodec, formats, c.arb.Supports)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.constraints = slices.Clone(formats)
	c.mu.Unlock()
	if p == nil || codec == p.codec {
		return codec, nil
	}

	o, end, err := c.begin(ctx, epoch)
	if err != nil {
		return "", err
	}
	defer end()
	if err := c.switchTo(o, p.scene, p.generation); err != nil {
		c.mu.Lock()
		c.constraints = old
		c.mu.Unlock()
		c.rebindPending(o)
		return "", err
	}
	c.rebindPending(o)
	return codec, nil
}

// Refresh re-applies the active scene after sourceID entered or left the
// streaming state. It runs in the background and yields to newer requests.
// A change seen while a start or switch is in flight is applied once that
// mutation completes.
func (c *Compositor) Refresh(sourceID string) {
	c.mu.Lock()
	p := c.prog
	busy := c.state == StateStarting || c.state == StateSwitching
	if busy {
		c.rebind = true
	}
	relevant := !busy && p != nil && c.state == StateRunning && p.scene.References(sourceID)
	c.mu.Unlock()
	if !relevant {
		return
	}

	gen := c.requested.Load()
	epoch := c.stopEpoch()
	go func() {
		ctx := context.Background()
		if err := c.lock(ctx); err != nil {
			return
		}
		defer c.unlock()
		if c.requested.Load() != gen {
			return
		}
		c.mu.Lock()
		p := c.prog
		c.mu.Unlock()
		if p == nil {
			return
		}
		o, end, err := c.begin(ctx, epoch)
		if err != nil {
			return
		}
		defer end()
		if err := c.switchTo(o, p.scene, p.generation); err != nil {
			c.log.Warn("rebind after source change failed", zap.String("source_id", sourceID), zap.Error(err))
		}
		c.rebindPending(o)
	}()
}

// rebindPending re-applies the running scene when sources changed while the
// mutation that just finished held the gate. It must run under the gate.
func (c *Compositor) rebindPending(o op) {
	for {
		c.mu.Lock()
		p, pending := c.prog, c.rebind
		c.rebind = false
		ok := pending && p != nil && c.state == StateRunning && c.epoch == o.epoch
		c.mu.Unlock()
		if !ok || !c.stale(p) {
			return
		}
		c.log.Info("rebinding sources changed during scene change", zap.String("scene_id", p.scene.ID))
		if err := c.switchTo(o, p.scene, p.generation); err != nil {
			c.log.Warn("deferred rebind failed", zap.String("scene_id", p.scene.ID), zap.Error(err))
			return
		}
	}
}

// stale reports whether a slot of p is bound differently from what its
// source's streaming state calls for.
func (c *Compositor) stale(p *program) bool {
	return lo.SomeBy(p.slots, func(s SlotStatus) bool {
		return s.SourceID != "" && s.Live != c.live(s.SourceID)
	})
}

// Handle returns the program pipeline while it runs.
func (c *Compositor) Handle() (pipeline.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prog == nil || !pipeline.Alive(c.prog.handle) {
		return nil, false
	}
	return c.prog.handle, true
}

func (c *Compositor) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Compositor) statusLocked() Status {
	st := Status{
		State:      c.state,
		Output:     c.output.String(),
		Recoveries: c.recoveries,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	if p := c.prog; p != nil {
		st.ActiveSceneID = p.scene.ID
		st.Codec = p.codec
		st.Encoder, st.ClaimKind = p.claim.Encoder, p.claim.Kind
		st.Capacity = p.capacity
		st.Inputs = slices.Clone(p.inputs)
		st.Slots = slices.Clone(p.slots)
		st.Generation = p.generation
		if p.handle != nil {
			stats := p.handle.Stats()
			st.Frames, st.LastFrameAt = stats.Frames, stats.LastFrameAt
		}
	}
	return st
}

// switchTo moves the program to sc. It must run under the gate.
func (c *Compositor) switchTo(o op, sc *scene.Scene, gen int64) error {
	c.mu.Lock()
	prev := c.prog
	formats := slices.Clone(c.constraints)
	from := c.state
	c.mu.Unlock()

	var keep media.Codec
	if prev != nil {
		keep = prev.codec
	}
	codec, err := negotiate(keep, c.cfg.PreferredCodec, formats, c.arb.Supports)
	if err != nil {
		return err
	}
	if codec != c.cfg.PreferredCodec && (prev == nil || prev.codec != codec) {
		c.log.Warn("program codec overridden by consumer constraints",
			zap.String("preferred", string(c.cfg.PreferredCodec)), zap.String("codec", string(codec)), zap.Any("formats", formats))
	}

	if prev == nil {
		c.setState(StateStarting, nil)
		p, err := c.build(o.ctx, sc, codec, gen, c.cfg.StartTimeout)
		if err != nil {
			c.metrics.SceneSwitch(modeRebuild, resultFailed)
			fallback := StateStopped
			if from == StateDegraded {
				fallback = StateDegraded
			}
			err = fmt.Errorf("start scene %q: %w", sc.ID, err)
			c.setState(fallback, err)
			return err
		}
		c.metrics.SceneSwitch(modeRebuild, resultOK)
		c.install(o.ctx, p)
		return nil
	}

	c.setState(StateSwitching, nil)
	if c.fitsInPlace(prev, sc, codec) {
		err := c.reconfigure(o.ctx, prev, sc, gen)
		if err == nil {
			c.metrics.SceneSwitch(modeInPlace, resultOK)
			return nil
		}
		c.metrics.SceneSwitch(modeInPlace, resultFailed)
		err = fmt.Errorf("switch to scene %q in place: %w", sc.ID, err)
		if rerr := c.restoreLayout(prev); rerr == nil {
			c.log.Warn("in-place switch failed; previous layout restored", zap.String("scene_id", prev.scene.ID), zap.Error(err))
			c.setState(StateRunning, err)
			return err
		}
		c.teardown(prev)
		return c.rollback(o, prev, err)
	}

	c.teardown(prev)
	p, err := c.build(o.ctx, sc, codec, gen, c.cfg.SwitchTimeout)
	if err != nil {
		c.metrics.SceneSwitch(modeRebuild, resultFailed)
		return c.rollback(o, prev, fmt.Errorf("switch to scene %q: %w", sc.ID, err))
	}
	c.metrics.SceneSwitch(modeRebuild, resultOK)
	c.install(o.ctx, p)
	return nil
}

// rollback rebuilds prev after a failed switch. When that fails too, or the
// switch was canceled by Stop, the program is left down.
func (c *Compositor) rollback(o op, prev *program, cause error) error {
	if c.stopEpoch() != o.epoch {
		c.setState(StateStopping, cause)
		return fmt.Errorf("%w: %w", orcherr.ErrCanceled, cause)
	}

	c.log.Warn("scene switch failed; rolling back", zap.String("scene_id", prev.scene.ID), zap.Error(cause))
	ctx := context.WithoutCancel(o.ctx)
	p, err := c.build(ctx, prev.scene, prev.codec, prev.generation, c.cfg.SwitchTimeout)
	if err != nil {
		c.metrics.SceneSwitch(modeRollback, resultFailed)
		err = errors.Join(cause, fmt.Errorf("rollback to scene %q: %w", prev.scene.ID, err))
		c.log.Error("rollback failed; program degraded", zap.Error(err))
		c.setState(StateDegraded, err)
		return err
	}
	c.metrics.SceneSwitch(modeRollback, resultOK)
	c.install(ctx, p)
	c.setState(StateRunning, cause)
	return fmt.Errorf("%w (rolled back to scene %q)", cause, prev.scene.ID)
}

// fitsInPlace reports whether sc can be applied to the running program by
// reconfiguring its layout.
func (c *Compositor) fitsInPlace(p *program, sc *scene.Scene, codec media.Codec) bool {
	if !pipeline.Alive(p.handle) {
		return false
	}
	if sc.Output != p.scene.Output || sc.Framerate != p.scene.Framerate || codec != p.codec || len(sc.Slots) > p.capacity {
		return false
	}
	return lo.EveryBy(sc.SourceIDs(), func(id string) bool {
		return !c.live(id) || slices.Contains(p.inputs, id)
	})
}

func (c *Compositor) reconfigure(ctx context.Context, prev *program, sc *scene.Scene, gen int64) error {
	layout, slots := buildLayout(sc, prev.inputs, c.live, prev.capacity)
	if !sameLayout(layout, prev.layout) {
		if err := prev.handle.Reconfigure(ctx, layout); err != nil {
			return err
		}
	}

	next := *prev
	next.scene, next.layout, next.slots, next.generation = sc, layout, slots, gen
	c.mu.Lock()
	c.prog = &next
	c.state, c.lastErr = StateRunning, nil
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("scene switched in place", zap.String("scene_id", sc.ID), zap.Int("live", st.LiveSlots()), zap.Int("slots", len(slots)))
	c.notify(st)
	return nil
}

func (c *Compositor) restoreLayout(p *program) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SwitchTimeout)
	defer cancel()
	return p.handle.Reconfigure(ctx, p.layout)
}

// build claims an encoder and starts a program pipeline for sc, waiting for
// its first frame. A hardware fault during start marks the codec unstable and
// is retried once on the software claim that follows.
func (c *Compositor) build(ctx context.Context, sc *scene.Scene, codec media.Codec, gen int64, timeout time.Duration) (*program, error) {
	capacity := capacityFor(sc, c.cfg.MinSlots)
	var inputs, urls []string
	for _, id := range sc.SourceIDs() {
		if ep, ok := c.sources.StreamingOutput(id); ok {
			inputs = append(inputs, id)
			urls = append(urls, ep.SubscribeURL(0))
		}
	}
	layout, slots := buildLayout(sc, inputs, func(string) bool { return true }, capacity)

	for attempt := 0; ; attempt++ {
		claim, err := c.arb.TryClaim(arbiter.Request{
			Holder:          pipeline.ProgramRef.String(),
			Codec:           codec,
			ResolutionClass: sc.Output.Class(),
		})
		if err != nil {
			return nil, fmt.Errorf("claim encoder: %w", err)
		}

		p := &program{
			scene:      sc,
			claim:      claim,
			inputs:     inputs,
			capacity:   capacity,
			codec:      codec,
			layout:     layout,
			slots:      slots,
			generation: gen,
		}
		err = c.launch(ctx, p, urls, timeout)
		if err == nil {
			return p, nil
		}
		c.arb.Release(claim)
		if attempt == 0 && claim.IsHardware() && errors.Is(err, pipeline.ErrHardwareFault) {
			c.arb.ReportInstability(codec, err)
			c.log.Warn("program hit a hardware fault; retrying on software", zap.String("codec", string(codec)), zap.Error(err))
			continue
		}
		return nil, err
	}
}

func (c *Compositor) launch(ctx context.Context, p *program, urls []string, timeout time.Duration) error {
	bitrate := c.cfg.BitrateKbps
	if bitrate == 0 {
		bitrate = source.DefaultBitrate(p.scene.Output.Class())
	}
	layout := pipeline.Layout{Canvas: p.layout.Canvas, Slots: slices.Clone(p.layout.Slots)}

	h, err := c.exec.Build(pipeline.Spec{
		Ref:    pipeline.ProgramRef,
		Name:   fmt.Sprintf("program-%d", c.builds.Add(1)),
		Inputs: urls,
		Output: c.output,
		Encode: &pipeline.Encode{
			Codec:       p.codec,
			Encoder:     p.claim.Encoder,
			Hardware:    p.claim.IsHardware(),
			Resolution:  p.scene.Output,
			Framerate:   p.scene.Framerate,
			BitrateKbps: bitrate,
		},
		Layout: &layout,
	})
	if err != nil {
		return fmt.Errorf("build program: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		c.stopHandle(h)
		if ctx.Err() != nil {
			return ctxErr(ctx, "program start")
		}
		return fmt.Errorf("start program: %w: %w", orcherr.ErrTransientPipelineFailure, err)
	}

	timer := c.clk.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.FirstFrame():
		p.handle = h
		return nil
	case <-h.Done():
		cause := h.Err()
		if cause == nil {
			cause = pipeline.ErrExited
		}
		return fmt.Errorf("program exited before first frame: %w: %w", orcherr.ErrTransientPipelineFailure, cause)
	case <-ctx.Done():
		c.stopHandle(h)
		return ctxErr(ctx, "program start")
	case <-timer.C():
		c.stopHandle(h)
		return fmt.Errorf("program: no frame after %s: %w", timeout, orcherr.ErrOperationTimeout)
	}
}

// install publishes p as the running program and relinks its branches.
func (c *Compositor) install(ctx context.Context, p *program) {
	c.mu.Lock()
	c.prog = p
	c.state, c.lastErr = StateRunning, nil
	linker := c.linker
	st := c.statusLocked()
	c.mu.Unlock()

	c.log.Info("program running",
		zap.String("scene_id", p.scene.ID),
		zap.String("codec", string(p.codec)),
		zap.String("encoder", p.claim.Encoder),
		zap.Int("live", st.LiveSlots()),
		zap.Int("slots", len(p.slots)))
	c.notify(st)
	go c.watch(p.handle)

	if linker != nil {
		if err := linker.Relink(ctx, pipeline.ProgramRef); err != nil {
			c.log.Warn("relink program branches", zap.Error(err))
		}
	}
}

// teardown unpublishes p first so watch treats the exit as requested.
func (c *Compositor) teardown(p *program) {
	c.mu.Lock()
	if c.prog != nil && c.prog.handle == p.handle {
		c.prog = nil
	}
	c.mu.Unlock()
	c.stopHandle(p.handle)
	c.arb.Release(p.claim)
}

func (c *Compositor) stopHandle(h pipeline.Handle) {
	if h == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		c.log.Error("program stop failed", zap.String("pipeline", h.Spec().Name), zap.Error(err))
	}
}

// watch recovers the program when its pipeline exits on its own.
func (c *Compositor) watch(h pipeline.Handle) {
	<-h.Done()

	c.mu.Lock()
	p := c.prog
	owned := p != nil && p.handle == h
	c.mu.Unlock()
	if !owned {
		return
	}

	cause := h.Err()
	if cause == nil {
		cause = pipeline.ErrExited
	}
	if p.claim.IsHardware() && errors.Is(cause, pipeline.ErrHardwareFault) {
		c.arb.ReportInstability(p.codec, cause)
	}
	c.log.Warn("program pipeline exited; recovering", zap.String("scene_id", p.scene.ID), zap.Error(cause))
	c.recoverProgram(h, cause)
}

func (c *Compositor) recoverProgram(h pipeline.Handle, cause error) {
	epoch := c.stopEpoch()
	ctx := context.Background()
	if err := c.lock(ctx); err != nil {
		return
	}
	defer c.unlock()

	c.mu.Lock()
	p := c.prog
	if p == nil || p.handle != h {
		c.mu.Unlock()
		return
	}
	c.recoveries++
	n := c.recoveries
	c.mu.Unlock()

	o, end, err := c.begin(ctx, epoch)
	if err != nil {
		return
	}
	defer end()

	if n > c.cfg.MaxRecoveries {
		c.teardown(p)
		err := fmt.Errorf("program exited %d times: %w", n, cause)
		c.log.Error("program recovery exhausted; degraded", zap.Error(err))
		c.setState(StateDegraded, err)
		return
	}
	if err := c.switchTo(o, p.scene, p.generation); err != nil {
		c.log.Error("program recovery failed", zap.Error(err))
	}
	c.rebindPending(o)
}

func (c *Compositor) live(id string) bool {
	_, ok := c.sources.StreamingOutput(id)
	return ok
}

func (c *Compositor) setState(s State, err error) {
	c.mu.Lock()
	c.state, c.lastErr = s, err
	st := c.statusLocked()
	c.mu.Unlock()
	c.notify(st)
}

func (c *Compositor) notify(st Status) {
	c.metrics.SetProgramState(string(st.State), States)
	if c.onChange != nil {
		c.onChange(st)
	}
}

func (c *Compositor) stopEpoch() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// begin registers the cancel func Stop uses to abort the running mutation.
func (c *Compositor) begin(ctx context.Context, epoch int64) (op, func(), error) {
	opCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		cancel()
		return op{}, nil, fmt.Errorf("compositor stopped: %w", orcherr.ErrCanceled)
	}
	c.cancelOp = cancel
	return op{ctx: opCtx, epoch: epoch}, func() {
		c.mu.Lock()
		c.cancelOp = nil
		c.mu.Unlock()
		cancel()
	}, nil
}

func (c *Compositor) lock(ctx context.Context) error {
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx, "wait for compositor")
	}
}

func (c *Compositor) unlock() { c.gate <- struct{}{} }

func ctxErr(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, orcherr.ErrOperationTimeout)
	}
	return fmt.Errorf("%s: %w", op, orcherr.ErrCanceled)
}
