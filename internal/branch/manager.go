package branch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/clock"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/edirooss/zmux-mixer/pkg/mediaurl"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Listener observes branch changes; removed is set on detach.
type Listener func(b Branch, removed bool)

type Deps struct {
	Executor pipeline.Executor
	Arbiter  *arbiter.Arbiter
	Registry pipeline.Registry
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	OnChange Listener
}

type entry struct {
	b       Branch
	sink    SinkConfig // resolved
	handle  pipeline.Handle
	claim   arbiter.Claim
	lastErr error
	seq     int // launches so far
}

// Manager owns every branch pipeline. Safe for concurrent use; the mutex is
// never held across pipeline start or stop.
type Manager struct {
	log      *zap.Logger
	cfg      Config
	exec     pipeline.Executor
	arb      *arbiter.Arbiter
	registry pipeline.Registry
	clk      clock.Clock
	metrics  *metrics.Metrics
	onChange Listener

	mu       sync.Mutex
	branches map[string]*entry
}

func NewManager(log *zap.Logger, cfg Config, d Deps) *Manager {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	return &Manager{
		log:      log.Named("branch"),
		cfg:      cfg,
		exec:     d.Executor,
		arb:      d.Arbiter,
		registry: d.Registry,
		clk:      d.Clock,
		metrics:  d.Metrics,
		onChange: d.OnChange,
		branches: make(map[string]*entry),
	}
}

// Attach starts a branch tapping target. The target must be running.
func (m *Manager) Attach(ctx context.Context, target pipeline.Ref, sc SinkConfig) (Branch, error) {
	tapped, ok := m.registry.Lookup(target)
	if !ok || !pipeline.Alive(tapped) {
		return Branch{}, fmt.Errorf("attach to %s: %w", target, orcherr.ErrPipelineNotRunning)
	}
	sc, err := m.resolve(sc, tapped)
	if err != nil {
		return Branch{}, fmt.Errorf("attach to %s: %w", target, err)
	}

	e := &entry{
		b: Branch{
			ID:        uuid.NewString(),
			Kind:      sc.Kind,
			Target:    target,
			Format:    sc.Format,
			Transcode: sc.Transcode,
			SessionID: sc.SessionID,
			CreatedAt: m.clk.Now(),
		},
		sink: sc,
	}
	if err := m.launch(ctx, e, tapped); err != nil {
		return Branch{}, fmt.Errorf("attach to %s: %w", target, err)
	}

	m.mu.Lock()
	m.branches[e.b.ID] = e
	b := m.snapshotLocked(e)
	m.mu.Unlock()

	m.log.Info("branch attached",
		zap.String("branch_id", b.ID),
		zap.String("kind", string(b.Kind)),
		zap.Stringer("target", target),
		zap.String("url", b.URL))
	m.updateGauges()
	m.notify(b, false)
	return b, nil
}

// Detach stops and removes a branch. Idempotent: unknown ids, dead branches
// and branches whose tapped pipeline is gone report AlreadySatisfied.
func (m *Manager) Detach(ctx context.Context, id string) (DetachResult, error) {
	m.mu.Lock()
	e, ok := m.branches[id]
	if !ok {
		m.mu.Unlock()
		return DetachResult{ID: id, AlreadySatisfied: true}, nil
	}
	delete(m.branches, id)
	h, claim := e.handle, e.claim
	e.handle, e.claim = nil, arbiter.Claim{}
	e.b.Active = false
	b := m.snapshotLocked(e)
	m.mu.Unlock()

	tapped, _ := m.registry.Lookup(e.b.Target)
	res := DetachResult{ID: id, AlreadySatisfied: !pipeline.Alive(h) || !pipeline.Alive(tapped)}

	var err error
	if h != nil {
		err = m.stop(ctx, h)
	}
	m.arb.Release(claim)

	m.log.Info("branch detached", zap.String("branch_id", id), zap.Stringer("target", b.Target), zap.Bool("already_satisfied", res.AlreadySatisfied))
	m.updateGauges()
	m.notify(b, true)
	return res, err
}

// Relink restarts every branch of target against its current pipeline. Called
// after the tapped pipeline was rebuilt; recordings continue in a new file.
func (m *Manager) Relink(ctx context.Context, target pipeline.Ref) error {
	entries := m.entries(func(e *entry) bool { return e.b.Target == target })
	if len(entries) == 0 {
		return nil
	}
	tapped, ok := m.registry.Lookup(target)
	ok = ok && pipeline.Alive(tapped)

	var errs []error
	for _, e := range entries {
		m.mu.Lock()
		if _, present := m.branches[e.b.ID]; !present {
			m.mu.Unlock()
			continue
		}
		old, claim := e.handle, e.claim
		e.handle, e.claim = nil, arbiter.Claim{}
		m.mu.Unlock()

		if old != nil {
			if err := m.stop(ctx, old); err != nil {
				m.log.Warn("stop branch for relink", zap.String("branch_id", e.b.ID), zap.Error(err))
			}
		}
		m.arb.Release(claim)

		var err error
		if ok {
			err = m.launch(ctx, e, tapped)
		} else {
			err = fmt.Errorf("relink to %s: %w", target, orcherr.ErrPipelineNotRunning)
		}

		m.mu.Lock()
		_, present := m.branches[e.b.ID]
		var orphan pipeline.Handle
		var orphanClaim arbiter.Claim
		switch {
		case !present:
			orphan, orphanClaim = e.handle, e.claim
			e.handle, e.claim = nil, arbiter.Claim{}
		case err != nil:
			e.b.Active, e.lastErr = false, err
		default:
			e.b.Restarts++
		}
		b := m.snapshotLocked(e)
		m.mu.Unlock()

		if orphan != nil {
			_ = m.stop(ctx, orphan)
			m.arb.Release(orphanClaim)
			continue
		}
		if err != nil {
			m.log.Warn("branch relink failed", zap.String("branch_id", e.b.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("branch %s: %w", e.b.ID, err))
		}
		m.notify(b, false)
	}
	m.updateGauges()
	return errors.Join(errs...)
}

// StopAll detaches every branch.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, e := range m.entries(nil) {
		if _, err := m.Detach(ctx, e.b.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Get(id string) (Branch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.branches[id]
	if !ok {
		return Branch{}, false
	}
	return m.snapshotLocked(e), true
}

// List returns the branches of target, oldest first.
func (m *Manager) List(target pipeline.Ref) []Branch {
	return m.snapshots(func(e *entry) bool { return e.b.Target == target })
}

func (m *Manager) All() []Branch { return m.snapshots(nil) }

// Session returns the ids of the recording branches of a session.
func (m *Manager) Session(sessionID string) []string {
	return lo.Map(m.entries(func(e *entry) bool {
		return e.b.Kind == KindRecord && e.b.SessionID == sessionID
	}), func(e *entry, _ int) string { return e.b.ID })
}

// Constraints lists the formats that carry target's codec unchanged, that is
// the formats of its non-transcoding branches.
func (m *Manager) Constraints(target pipeline.Ref) []pipeline.Format {
	formats := lo.Map(m.entries(func(e *entry) bool {
		return e.b.Target == target && !e.sink.Transcode
	}), func(e *entry, _ int) pipeline.Format { return e.sink.Format })
	return lo.Uniq(formats)
}

// resolve fills defaults and rejects sinks that cannot work before anything
// is started.
func (m *Manager) resolve(sc SinkConfig, tapped pipeline.Handle) (SinkConfig, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", orcherr.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
	}

	switch sc.Kind {
	case KindPublish:
		if sc.URL == "" {
			return sc, invalid("publish url is required")
		}
		if _, err := mediaurl.Validate(sc.URL); err != nil {
			return sc, invalid("%v", err)
		}
		if sc.Format == "" {
			f, err := pipeline.FormatForURL(sc.URL)
			if err != nil {
				return sc, invalid("%v", err)
			}
			sc.Format = f
		}
	case KindRecord:
		if sc.SessionID == "" {
			return sc, invalid("recording session id is required")
		}
		if sc.Format == "" {
			sc.Format = m.cfg.RecordFormat
		}
	default:
		return sc, invalid("branch kind %q: unknown", sc.Kind)
	}
	if _, err := pipeline.ParseFormat(string(sc.Format)); err != nil {
		return sc, invalid("%v", err)
	}

	var codec media.Codec
	if enc := tapped.Spec().Encode; enc != nil {
		codec = enc.Codec
	}
	if sc.Transcode {
		if sc.Codec == "" {
			sc.Codec = media.CodecH264
		}
		if !sc.Codec.Valid() || !m.arb.Supports(sc.Codec) {
			return sc, invalid("no encoder for codec %q", sc.Codec)
		}
		codec = sc.Codec
	}
	if codec != "" && !sc.Format.Accepts(codec) {
		return sc, invalid("format %s cannot carry %s", sc.Format, codec)
	}
	return sc, nil
}

// launch builds and starts the next pipeline of e.
func (m *Manager) launch(ctx context.Context, e *entry, tapped pipeline.Handle) error {
	m.mu.Lock()
	e.seq++
	seq := e.seq
	m.mu.Unlock()

	url := m.sinkURL(e, seq)
	if e.b.Kind == KindRecord {
		if err := os.MkdirAll(filepath.Dir(url), 0o755); err != nil {
			return fmt.Errorf("create recording directory: %w", err)
		}
	}

	ref := pipeline.Ref{Kind: pipeline.KindBranch, ID: e.b.ID}
	var claim arbiter.Claim
	var enc *pipeline.Encode
	if e.sink.Transcode {
		var res media.Resolution
		var fps int
		if src := tapped.Spec().Encode; src != nil {
			res, fps = src.Resolution, src.Framerate
		}
		var err error
		claim, err = m.arb.TryClaim(arbiter.Request{Holder: ref.String(), Codec: e.sink.Codec, ResolutionClass: res.Class()})
		if err != nil {
			return fmt.Errorf("claim encoder: %w", err)
		}
		bitrate := m.cfg.BitrateKbps
		if bitrate == 0 {
			bitrate = source.DefaultBitrate(res.Class())
		}
		enc = &pipeline.Encode{
			Codec:       claim.Codec,
			Encoder:     claim.Encoder,
			Hardware:    claim.IsHardware(),
			Resolution:  res,
			Framerate:   fps,
			BitrateKbps: bitrate,
		}
	}

	h, err := m.exec.Build(pipeline.Spec{
		Ref:    ref,
		Name:   fmt.Sprintf("branch-%s-%d", e.b.ID[:8], seq),
		Inputs: []string{tapped.Output().SubscribeURL(m.cfg.TapTimeout)},
		Encode: enc,
		Sink:   &pipeline.Sink{URL: url, Format: e.sink.Format},
	})
	if err != nil {
		m.arb.Release(claim)
		return fmt.Errorf("build branch: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		_ = m.stop(context.Background(), h)
		m.arb.Release(claim)
		return fmt.Errorf("start branch: %w: %w", orcherr.ErrTransientPipelineFailure, err)
	}

	m.mu.Lock()
	e.handle, e.claim = h, claim
	e.lastErr = nil
	e.b.URL = url
	e.b.Active = true
	e.b.StartedAt = m.clk.Now()
	if e.b.Kind == KindRecord {
		e.b.Artifacts = append(e.b.Artifacts, url)
	}
	m.mu.Unlock()

	go m.watch(e, h)
	return nil
}

// sinkURL is the publish url, or the recording file of the seq-th launch.
func (m *Manager) sinkURL(e *entry, seq int) string {
	if e.b.Kind == KindPublish {
		return e.sink.URL
	}
	name := e.b.Target.ID
	if seq > 1 {
		name = fmt.Sprintf("%s-%d", name, seq)
	}
	return filepath.Join(m.cfg.RecordDir, e.b.SessionID, name+"."+e.sink.Format.Extension())
}

// watch marks a branch inactive when its pipeline exits on its own. The
// tapped pipeline is never touched.
func (m *Manager) watch(e *entry, h pipeline.Handle) {
	<-h.Done()

	m.mu.Lock()
	if e.handle != h {
		m.mu.Unlock()
		return
	}
	cause := h.Err()
	if cause == nil {
		cause = pipeline.ErrExited
	}
	claim := e.claim
	e.handle, e.claim = nil, arbiter.Claim{}
	e.b.Active = false
	e.lastErr = fmt.Errorf("tap lost: %w", cause)
	b := m.snapshotLocked(e)
	m.mu.Unlock()

	m.arb.Release(claim)
	m.log.Warn("branch pipeline exited", zap.String("branch_id", b.ID), zap.Stringer("target", b.Target), zap.Error(cause))
	m.metrics.BranchTapFailure(string(b.Kind))
	m.updateGauges()
	m.notify(b, false)
}

func (m *Manager) stop(ctx context.Context, h pipeline.Handle) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", h.Spec().Name, err)
	}
	return nil
}

func (m *Manager) snapshotLocked(e *entry) Branch {
	b := e.b
	b.Artifacts = slices.Clone(e.b.Artifacts)
	if e.lastErr != nil {
		b.LastError = e.lastErr.Error()
	}
	if !e.claim.IsZero() {
		b.Encoder, b.ClaimKind = e.claim.Encoder, e.claim.Kind
	}
	if e.handle != nil {
		b.Frames = e.handle.Stats().Frames
	}
	return b
}

// entries returns matching entries ordered by creation.
func (m *Manager) entries(match func(*entry) bool) []*entry {
	m.mu.Lock()
	out := lo.Filter(lo.Values(m.branches), func(e *entry, _ int) bool { return match == nil || match(e) })
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b *entry) int {
		if c := a.b.CreatedAt.Compare(b.b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.b.ID, b.b.ID)
	})
	return out
}

func (m *Manager) snapshots(match func(*entry) bool) []Branch {
	entries := m.entries(match)
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Map(entries, func(e *entry, _ int) Branch { return m.snapshotLocked(e) })
}

func (m *Manager) updateGauges() {
	m.mu.Lock()
	counts := lo.CountValuesBy(lo.Values(m.branches), func(e *entry) Kind {
		if !e.b.Active {
			return ""
		}
		return e.b.Kind
	})
	m.mu.Unlock()
	for _, k := range Kinds {
		m.metrics.SetBranchesActive(string(k), counts[k])
	}
}

func (m *Manager) notify(b Branch, removed bool) {
	if m.onChange != nil {
		m.onChange(b, removed)
	}
}
