package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/branch"
	"github.com/edirooss/zmux-mixer/internal/catalog"
	"github.com/edirooss/zmux-mixer/internal/clock"
	"github.com/edirooss/zmux-mixer/internal/compositor"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/domain/scene"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/edirooss/zmux-mixer/internal/ingest"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// -----------------------------------------------------------------------------
// StudioService
// -----------------------------------------------------------------------------
//
// Runtime model
//   • Single process, many concurrent requests.
//   • Ingest mutations for the SAME source are serialized via a per-source gate.
//     The gate covers the state transition only; the first-frame wait happens
//     outside it so a Stop can always cancel a pending Start.
//   • Scene switches are serialized (and superseded) inside the compositor.
//   • Branch mutations take the gate of the pipeline they tap.
//   • Reads never take a gate.
//
// Ownership
//   • Supervisors and the compositor own their pipelines.
//   • Branches find the pipeline they tap through this service (Lookup) and
//     never keep it alive.

// ErrNotFound reports an unknown source, scene, session or branch.
var ErrNotFound = errors.New("not found")

// Config groups the per-component settings.
type Config struct {
	Ingest     ingest.Config     `yaml:"ingest"`
	Compositor compositor.Config `yaml:"compositor"`
	Branch     branch.Config     `yaml:"branch"`
}

func DefaultConfig() Config {
	return Config{
		Ingest:     ingest.DefaultConfig(),
		Compositor: compositor.DefaultConfig(),
		Branch:     branch.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := c.Compositor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compositor: %w", err))
	}
	if err := c.Branch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("branch: %w", err))
	}
	return errors.Join(errs...)
}

// Deps are the collaborators the service wires together.
type Deps struct {
	Executor  pipeline.Executor
	Arbiter   *arbiter.Arbiter
	Catalog   catalog.Provider
	Endpoints *pipeline.EndpointAllocator
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Status    StatusSink // optional
}

// StudioService is the single entry point of the engine.
type StudioService struct {
	log       *zap.Logger
	cfg       Config
	exec      pipeline.Executor
	arb       *arbiter.Arbiter
	catalog   catalog.Provider
	endpoints *pipeline.EndpointAllocator
	clk       clock.Clock
	metrics   *metrics.Metrics
	pub       *publisher

	comp     *compositor.Compositor
	branches *branch.Manager

	gates    sync.Map // map[string]*gate
	overview singleflight.Group

	mu   sync.Mutex
	sups map[string]*ingest.Supervisor
	live map[string]bool // last Live() seen per source
}

var (
	_ pipeline.Registry     = (*StudioService)(nil)
	_ compositor.SourceView = (*StudioService)(nil)
)

// NewStudioService wires the compositor and branch manager. Supervisors are
// created on first use of a source.
func NewStudioService(log *zap.Logger, cfg Config, d Deps) (*StudioService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", orcherr.ErrConfigurationInvalid, err)
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	s := &StudioService{
		log:       log.Named("studio_service"),
		cfg:       cfg,
		exec:      d.Executor,
		arb:       d.Arbiter,
		catalog:   d.Catalog,
		endpoints: d.Endpoints,
		clk:       d.Clock,
		metrics:   d.Metrics,
		sups:      make(map[string]*ingest.Supervisor),
		live:      make(map[string]bool),
	}
	if d.Status != nil {
		s.pub = newPublisher(s.log, d.Status)
	}

	programOut, err := s.endpoints.Acquire(pipeline.ProgramRef.String())
	if err != nil {
		return nil, fmt.Errorf("program endpoint: %w", err)
	}
	s.comp = compositor.New(log, cfg.Compositor, programOut, compositor.Deps{
		Executor: s.exec,
		Arbiter:  s.arb,
		Sources:  s,
		Clock:    s.clk,
		Metrics:  s.metrics,
		OnChange: s.onProgramChange,
	})
	s.branches = branch.NewManager(log, cfg.Branch, branch.Deps{
		Executor: s.exec,
		Arbiter:  s.arb,
		Registry: s,
		Clock:    s.clk,
		Metrics:  s.metrics,
		OnChange: s.onBranchChange,
	})
	s.comp.SetLinker(s.branches)
	return s, nil
}

// -----------------------------------------------------------------------------
// Ingest
// -----------------------------------------------------------------------------

// IngestStart starts the source's ingest and waits until it streams.
func (s *StudioService) IngestStart(ctx context.Context, sourceID string) (ingest.Status, error) {
	sup, err := s.supervisor(sourceID)
	if err != nil {
		return ingest.Status{}, err
	}

	unlock, err := s.lock(ctx, ingestGate(sourceID))
	if err != nil {
		return sup.Status(), err
	}
	sess, st, err := sup.Begin(ctx)
	unlock()
	if err != nil || sess == nil {
		return st, err
	}
	return sup.Await(ctx, sess)
}

// IngestStop stops the source's ingest. Idempotent.
func (s *StudioService) IngestStop(ctx context.Context, sourceID string) (ingest.Status, error) {
	s.mu.Lock()
	sup, ok := s.sups[sourceID]
	s.mu.Unlock()
	if !ok {
		// Never started: nothing to stop.
		return s.IngestStatus(sourceID)
	}

	unlock, err := s.lock(ctx, ingestGate(sourceID))
	if err != nil {
		return sup.Status(), err
	}
	defer unlock()
	return sup.Stop(ctx)
}

// IngestHealthCheck runs a health check now. It fails fast with ErrLocked
// while a mutation on the source is in flight.
func (s *StudioService) IngestHealthCheck(sourceID string) (ingest.Status, error) {
	s.mu.Lock()
	sup, ok := s.sups[sourceID]
	s.mu.Unlock()
	if !ok {
		return s.IngestStatus(sourceID)
	}
	unlock, err := s.tryLock(ingestGate(sourceID))
	if err != nil {
		return sup.Status(), err
	}
	defer unlock()
	return sup.HealthCheck(), nil
}

func (s *StudioService) IngestStatus(sourceID string) (ingest.Status, error) {
	s.mu.Lock()
	sup, ok := s.sups[sourceID]
	s.mu.Unlock()
	if ok {
		return sup.Status(), nil
	}
	src, ok := s.catalog.Snapshot().Source(sourceID)
	if !ok {
		return ingest.Status{}, fmt.Errorf("source %q: %w", sourceID, ErrNotFound)
	}
	return idleStatus(src), nil
}

// IngestList returns the status of every catalog source, sorted by id.
func (s *StudioService) IngestList() []ingest.Status {
	snap := s.catalog.Snapshot()
	out := make([]ingest.Status, 0, len(snap.Sources))
	for _, src := range snap.Sources {
		s.mu.Lock()
		sup, ok := s.sups[src.ID]
		s.mu.Unlock()
		if ok {
			out = append(out, sup.Status())
		} else {
			out = append(out, idleStatus(src))
		}
	}
	return out
}

// IngestLogs returns up to n retained log lines of the source's pipelines, newest first.
func (s *StudioService) IngestLogs(sourceID string, n int) ([]string, error) {
	if _, ok := s.catalog.Snapshot().Source(sourceID); !ok {
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrNotFound)
	}
	ls, ok := s.exec.(pipeline.LogSource)
	if !ok {
		return []string{}, nil
	}
	lines, ok := ls.Logs(pipeline.IngestRef(sourceID), n)
	if !ok {
		return []string{}, nil
	}
	return lines, nil
}

func idleStatus(src source.Source) ingest.Status {
	return ingest.Status{
		SourceID:   src.ID,
		State:      ingest.StateIdle,
		Resolution: src.Resolution.String(),
	}
}

// supervisor returns the source's supervisor, creating it on first use. The
// catalog entry is refreshed on every call.
func (s *StudioService) supervisor(sourceID string) (*ingest.Supervisor, error) {
	src, ok := s.catalog.Snapshot().Source(sourceID)
	if !ok {
		return nil, fmt.Errorf("source %q: %w", sourceID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sup, ok := s.sups[sourceID]; ok {
		sup.UpdateSource(src)
		return sup, nil
	}
	out, err := s.endpoints.Acquire(pipeline.IngestRef(sourceID).String())
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", sourceID, err)
	}
	sup := ingest.NewSupervisor(s.log, s.cfg.Ingest, src, out, ingest.Deps{
		Executor: s.exec,
		Arbiter:  s.arb,
		Clock:    s.clk,
		Metrics:  s.metrics,
		OnChange: s.onIngestChange,
	})
	s.sups[sourceID] = sup
	return sup, nil
}

// -----------------------------------------------------------------------------
// Scenes & compositor
// -----------------------------------------------------------------------------

func (s *StudioService) SceneList() []scene.Scene {
	return slices.Clone(s.catalog.Snapshot().Scenes)
}

// CompositorStart starts the program with the given scene. An empty id fails
// with ErrNoScene.
func (s *StudioService) CompositorStart(ctx context.Context, sceneID string) (compositor.Status, error) {
	sc, err := s.scene(sceneID)
	if err != nil {
		return s.comp.Status(), err
	}
	return s.comp.Start(ctx, sc)
}

// SetScene switches the program to the given scene.
func (s *StudioService) SetScene(ctx context.Context, sceneID string) (compositor.Status, error) {
	sc, err := s.scene(sceneID)
	if err != nil {
		return s.comp.Status(), err
	}
	return s.comp.SetScene(ctx, sc)
}

func (s *StudioService) CompositorStop(ctx context.Context) (compositor.Status, error) {
	return s.comp.Stop(ctx)
}

func (s *StudioService) CompositorStatus() compositor.Status { return s.comp.Status() }

func (s *StudioService) scene(sceneID string) (*scene.Scene, error) {
	if sceneID == "" {
		return nil, orcherr.ErrNoScene
	}
	sc, ok := s.catalog.Snapshot().Scene(sceneID)
	if !ok {
		return nil, fmt.Errorf("scene %q: %w: unknown scene", sceneID, orcherr.ErrConfigurationInvalid)
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// Branches
// -----------------------------------------------------------------------------

// RecordOptions tunes a recording.
type RecordOptions struct {
	Format    pipeline.Format `json:"format,omitempty"`
	Transcode bool            `json:"transcode,omitempty"`
	Codec     media.Codec     `json:"codec,omitempty"`
}

// RecordStart records target (a source id or "program") and returns the
// recording session id.
func (s *StudioService) RecordStart(ctx context.Context, target string, opts RecordOptions) (string, error) {
	ref, err := s.target(target)
	if err != nil {
		return "", err
	}
	sc := branch.SinkConfig{
		Kind:      branch.KindRecord,
		Format:    opts.Format,
		Transcode: opts.Transcode,
		Codec:     opts.Codec,
		SessionID: branch.NewSessionID(s.clk.Now()),
	}
	if sc.Format == "" {
		sc.Format = s.cfg.Branch.RecordFormat
	}
	b, err := s.attach(ctx, ref, sc)
	if err != nil {
		return "", err
	}
	return b.SessionID, nil
}

// RecordStop detaches every branch of the recording session. Unknown or
// finished sessions yield no results and no error.
func (s *StudioService) RecordStop(ctx context.Context, sessionID string) ([]branch.DetachResult, error) {
	var (
		out  []branch.DetachResult
		errs []error
	)
	for _, id := range s.branches.Session(sessionID) {
		res, err := s.detach(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

// PublishAttach republishes target to url. An empty format is inferred from the URL.
func (s *StudioService) PublishAttach(ctx context.Context, target, url string, format pipeline.Format) (branch.Branch, error) {
	ref, err := s.target(target)
	if err != nil {
		return branch.Branch{}, err
	}
	if format == "" {
		f, err := pipeline.FormatForURL(url)
		if err != nil {
			return branch.Branch{}, fmt.Errorf("%w: %w", orcherr.ErrConfigurationInvalid, err)
		}
		format = f
	}
	return s.attach(ctx, ref, branch.SinkConfig{Kind: branch.KindPublish, URL: url, Format: format})
}

func (s *StudioService) PublishDetach(ctx context.Context, branchID string) (branch.DetachResult, error) {
	return s.detach(ctx, branchID)
}

// Branches lists the branches tapping target.
func (s *StudioService) Branches(target string) ([]branch.Branch, error) {
	ref, err := s.target(target)
	if err != nil {
		return nil, err
	}
	return s.branches.List(ref), nil
}

func (s *StudioService) AllBranches() []branch.Branch { return s.branches.All() }

// attach serializes on the target's gate. Program branches that copy the
// program stream first narrow the program codec to what the new sink accepts.
func (s *StudioService) attach(ctx context.Context, ref pipeline.Ref, sc branch.SinkConfig) (branch.Branch, error) {
	unlock, err := s.lock(ctx, gateFor(ref))
	if err != nil {
		return branch.Branch{}, err
	}
	defer unlock()

	if ref != pipeline.ProgramRef || sc.Transcode {
		return s.branches.Attach(ctx, ref, sc)
	}

	if _, ok := s.comp.Handle(); !ok {
		return branch.Branch{}, fmt.Errorf("attach to %s: %w", ref, orcherr.ErrPipelineNotRunning)
	}
	formats := append(s.branches.Constraints(ref), sc.Format)
	if _, err := s.comp.Renegotiate(ctx, formats); err != nil {
		return branch.Branch{}, fmt.Errorf("negotiate program codec for %s: %w", sc.Format, err)
	}
	b, err := s.branches.Attach(ctx, ref, sc)
	if err != nil {
		// Drop the format of the sink that never attached.
		if _, rerr := s.comp.Renegotiate(context.WithoutCancel(ctx), s.branches.Constraints(ref)); rerr != nil {
			s.log.Warn("restore program constraints failed", zap.Error(rerr))
		}
	}
	return b, err
}

func (s *StudioService) detach(ctx context.Context, id string) (branch.DetachResult, error) {
	b, ok := s.branches.Get(id)
	if !ok {
		return branch.DetachResult{ID: id, AlreadySatisfied: true}, nil
	}
	unlock, err := s.lock(ctx, gateFor(b.Target))
	if err != nil {
		return branch.DetachResult{ID: id}, err
	}
	defer unlock()

	res, err := s.branches.Detach(ctx, id)
	if err != nil {
		return res, err
	}
	if b.Target == pipeline.ProgramRef {
		// Loosen the stored constraints; a codec that is still allowed is kept.
		if _, err := s.comp.Renegotiate(ctx, s.branches.Constraints(b.Target)); err != nil {
			s.log.Warn("renegotiate after detach failed", zap.String("branch_id", id), zap.Error(err))
		}
	}
	return res, nil
}

// target resolves "program" or a catalog source id.
func (s *StudioService) target(target string) (pipeline.Ref, error) {
	if target == source.ProgramTarget {
		return pipeline.ProgramRef, nil
	}
	if _, ok := s.catalog.Snapshot().Source(target); !ok {
		return pipeline.Ref{}, fmt.Errorf("target %q: %w", target, ErrNotFound)
	}
	return pipeline.IngestRef(target), nil
}

func gateFor(ref pipeline.Ref) string {
	if ref.Kind == pipeline.KindProgram {
		return programGate
	}
	return ingestGate(ref.ID)
}

// -----------------------------------------------------------------------------
// Registry & source view
// -----------------------------------------------------------------------------

// Lookup resolves a running ingest or program pipeline.
func (s *StudioService) Lookup(ref pipeline.Ref) (pipeline.Handle, bool) {
	switch ref.Kind {
	case pipeline.KindProgram:
		return s.comp.Handle()
	case pipeline.KindIngest:
		s.mu.Lock()
		sup, ok := s.sups[ref.ID]
		s.mu.Unlock()
		if !ok {
			return nil, false
		}
		return sup.Handle()
	default:
		return nil, false
	}
}

// StreamingOutput returns the source's shared output while it delivers frames.
func (s *StudioService) StreamingOutput(sourceID string) (pipeline.Endpoint, bool) {
	s.mu.Lock()
	sup, ok := s.sups[sourceID]
	s.mu.Unlock()
	if !ok || !sup.Status().Live() {
		return pipeline.Endpoint{}, false
	}
	return sup.Output(), true
}

// -----------------------------------------------------------------------------
// Listeners
// -----------------------------------------------------------------------------

func (s *StudioService) onIngestChange(st ingest.Status) {
	if s.pub != nil {
		s.pub.ingest(st)
	}

	live := st.Live()
	s.mu.Lock()
	changed := s.live[st.SourceID] != live
	s.live[st.SourceID] = live
	s.mu.Unlock()
	if changed {
		s.comp.Refresh(st.SourceID)
	}
}

func (s *StudioService) onProgramChange(st compositor.Status) {
	if s.pub != nil {
		s.pub.program(st)
	}
}

func (s *StudioService) onBranchChange(b branch.Branch, removed bool) {
	if s.pub != nil {
		s.pub.branch(b, removed)
	}
}

// -----------------------------------------------------------------------------
// Overview, catalog, lifecycle
// -----------------------------------------------------------------------------

func (s *StudioService) ArbiterStatus() arbiter.Snapshot { return s.arb.Snapshot() }

// Overview is a combined snapshot of the whole engine.
type Overview struct {
	Ingest   []ingest.Status   `json:"ingest"`
	Program  compositor.Status `json:"program"`
	Branches []branch.Branch   `json:"branches"`
	Arbiter  arbiter.Snapshot  `json:"arbiter"`
}

// Overview coalesces concurrent callers into one snapshot pass.
func (s *StudioService) Overview() Overview {
	v, _, _ := s.overview.Do("overview", func() (any, error) {
		return Overview{
			Ingest:   s.IngestList(),
			Program:  s.comp.Status(),
			Branches: s.branches.All(),
			Arbiter:  s.arb.Snapshot(),
		}, nil
	})
	return v.(Overview)
}

// ApplyCatalog reconciles running ingests with a reloaded catalog: entries are
// refreshed and disabled sources are stopped.
func (s *StudioService) ApplyCatalog(ctx context.Context, snap catalog.Snapshot) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sups))
	for id := range s.sups {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		src, ok := snap.Source(id)
		s.mu.Lock()
		sup := s.sups[id]
		s.mu.Unlock()
		if ok {
			sup.UpdateSource(src)
		}
		if ok && src.Enabled {
			continue
		}
		st := sup.Status()
		if st.State == ingest.StateIdle {
			continue
		}
		s.log.Info("stopping deactivated source", zap.String("source_id", id))
		if _, err := s.IngestStop(ctx, id); err != nil {
			s.log.Warn("stop deactivated source failed", zap.String("source_id", id), zap.Error(err))
		}
	}
}

// Autostart starts every enabled source. Failures are logged and do not stop
// the others; the supervisors keep retrying on their own.
func (s *StudioService) Autostart(ctx context.Context) {
	if !s.cfg.Ingest.Autostart {
		return
	}
	var g errgroup.Group
	g.SetLimit(8)
	for _, src := range s.catalog.Snapshot().Sources {
		if !src.Enabled {
			continue
		}
		g.Go(func() error {
			if _, err := s.IngestStart(ctx, src.ID); err != nil {
				s.log.Warn("autostart failed", zap.String("source_id", src.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Shutdown stops the program, then every branch, then every ingest.
func (s *StudioService) Shutdown(ctx context.Context) error {
	var errs []error
	if _, err := s.comp.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("compositor: %w", err))
	}
	if err := s.branches.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("branches: %w", err))
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.sups))
	for id := range s.sups {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := s.IngestStop(gctx, id); err != nil {
				return fmt.Errorf("ingest %s: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if s.pub != nil {
		s.pub.close(ctx)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.log.Info("studio shut down", zap.Int("ingests", len(ids)))
	return nil
}

func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", orcherr.ErrOperationTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", orcherr.ErrCanceled, err)
	}
	return err
}
