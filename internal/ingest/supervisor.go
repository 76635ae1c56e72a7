// Package ingest supervises one ingest pipeline per source: start, health
// checks, restart with backoff and a terminal failed state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/clock"
	"github.com/edirooss/zmux-mixer/internal/domain/source"
	"github.com/edirooss/zmux-mixer/internal/metrics"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"go.uber.org/zap"
)

var sessionSeq atomic.Int64

// Session is one start-to-stop lifetime of a supervisor. It is opaque to
// callers; Begin hands it out so the first-frame wait can happen elsewhere.
type Session struct {
	id     int64
	ctx    context.Context
	cancel context.CancelFunc

	streaming     chan struct{} // closed on the first transition to streaming
	streamingOnce sync.Once
	done          chan struct{} // closed when the run loop exits
	kick          chan struct{} // out-of-band health check request

	stopping bool // guarded by Supervisor.mu
}

// Supervisor owns the ingest pipeline of one source. All restarts for the
// source happen sequentially on the session's run goroutine, so at most one
// handle exists at any time.
type Supervisor struct {
	log      *zap.Logger
	id       string
	cfg      Config
	exec     pipeline.Executor
	arb      *arbiter.Arbiter
	clk      clock.Clock
	metrics  *metrics.Metrics
	output   pipeline.Endpoint
	onChange Listener

	mu         sync.Mutex
	src        source.Source
	state      State
	sub        SubState
	failures   int
	lastErr    error
	lastHealth time.Time
	startedAt  time.Time
	attempts   int
	sess       *Session
	handle     pipeline.Handle
	claim      arbiter.Claim
}

// Deps groups the collaborators shared by all supervisors.
type Deps struct {
	Executor pipeline.Executor
	Arbiter  *arbiter.Arbiter
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	OnChange Listener
}

// NewSupervisor returns an idle supervisor publishing to output.
func NewSupervisor(log *zap.Logger, cfg Config, src source.Source, output pipeline.Endpoint, d Deps) *Supervisor {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	s := &Supervisor{
		log:      log.Named("ingest").With(zap.String("source_id", src.ID)),
		id:       src.ID,
		cfg:      cfg,
		exec:     d.Executor,
		arb:      d.Arbiter,
		clk:      d.Clock,
		metrics:  d.Metrics,
		output:   output,
		onChange: d.OnChange,
		src:      src,
		state:    StateIdle,
	}
	s.metrics.SetIngestState(src.ID, string(StateIdle), States)
	return s
}

func (s *Supervisor) Ref() pipeline.Ref { return pipeline.IngestRef(s.id) }

// Output is the shared endpoint this source publishes to.
func (s *Supervisor) Output() pipeline.Endpoint { return s.output }

// Source returns the catalog entry currently in effect.
func (s *Supervisor) Source() source.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src
}

// UpdateSource replaces the catalog entry; the next pipeline attempt uses it.
// The source id never changes.
func (s *Supervisor) UpdateSource(src source.Source) {
	if src.ID != s.id {
		return
	}
	s.mu.Lock()
	s.src = src
	s.mu.Unlock()
}

// Start begins a session if none is active and waits for streaming.
func (s *Supervisor) Start(ctx context.Context) (Status, error) {
	sess, st, err := s.Begin(ctx)
	if err != nil || sess == nil {
		return st, err
	}
	return s.Await(ctx, sess)
}

// Begin starts a new session from idle or failed. When a session is already
// starting or streaming it returns a nil Session and the current status.
// A session that is being stopped is waited out first.
func (s *Supervisor) Begin(ctx context.Context) (*Session, Status, error) {
	for {
		s.mu.Lock()
		cur := s.sess
		if cur != nil && !cur.stopping {
			st := s.statusLocked()
			s.mu.Unlock()
			return nil, st, nil
		}
		if cur != nil {
			s.mu.Unlock()
			select {
			case <-cur.done:
				continue
			case <-ctx.Done():
				return nil, s.Status(), ctxErr(ctx, "wait for previous session")
			}
		}

		src := s.src
		if !src.Enabled {
			s.mu.Unlock()
			return nil, s.Status(), fmt.Errorf("source %q is disabled: %w", src.ID, orcherr.ErrConfigurationInvalid)
		}
		if !s.arb.Supports(src.Capability.Codec) {
			s.mu.Unlock()
			return nil, s.Status(), fmt.Errorf("source %q: no encoder for codec %s: %w", src.ID, src.Capability.Codec, orcherr.ErrConfigurationInvalid)
		}

		sctx, cancel := context.WithCancel(context.Background())
		sess := &Session{
			id:        sessionSeq.Add(1),
			ctx:       sctx,
			cancel:    cancel,
			streaming: make(chan struct{}),
			done:      make(chan struct{}),
			kick:      make(chan struct{}, 1),
		}
		s.sess = sess
		s.state, s.sub = StateStarting, ""
		s.failures, s.lastErr = 0, nil
		s.startedAt = s.clk.Now()
		st := s.statusLocked()
		s.mu.Unlock()

		s.log.Info("ingest starting", zap.Int64("session", sess.id))
		s.notify(st)
		go s.run(sess)
		return sess, st, nil
	}
}

// Await blocks until sess streams (either sub-state), fails terminally, is
// stopped, ctx ends or the start timeout elapses. The session keeps running
// after a timeout.
func (s *Supervisor) Await(ctx context.Context, sess *Session) (Status, error) {
	timer := s.clk.NewTimer(s.cfg.StartTimeout)
	defer timer.Stop()

	select {
	case <-sess.streaming:
		return s.Status(), nil
	case <-sess.done:
		st := s.Status()
		if st.State == StateFailed {
			return st, fmt.Errorf("ingest %s: %w: %s", st.SourceID, orcherr.ErrFailed, st.LastError)
		}
		return st, fmt.Errorf("ingest %s: start interrupted by stop: %w", st.SourceID, orcherr.ErrCanceled)
	case <-ctx.Done():
		return s.Status(), ctxErr(ctx, "start")
	case <-timer.C():
		return s.Status(), fmt.Errorf("ingest %s: not streaming after %s: %w", s.id, s.cfg.StartTimeout, orcherr.ErrOperationTimeout)
	}
}

// Stop cancels the active session (including a pending Start wait), stops the
// handle and releases the claim. Idempotent; clears a failed state.
func (s *Supervisor) Stop(ctx context.Context) (Status, error) {
	s.mu.Lock()
	sess := s.sess
	if sess == nil {
		changed := s.state != StateIdle
		s.state, s.sub, s.failures = StateIdle, "", 0
		st := s.statusLocked()
		s.mu.Unlock()
		if changed {
			s.notify(st)
		}
		return st, nil
	}
	first := !sess.stopping
	sess.stopping = true
	s.state, s.sub = StateStopping, ""
	st := s.statusLocked()
	s.mu.Unlock()

	if first {
		s.log.Info("ingest stopping", zap.Int64("session", sess.id))
		s.notify(st)
		sess.cancel()
	}

	select {
	case <-sess.done:
		return s.Status(), nil
	case <-ctx.Done():
		return s.Status(), ctxErr(ctx, "stop")
	}
}

// HealthCheck evaluates the current handle now. A detected stall is handed
// to the run loop, which performs the restart.
func (s *Supervisor) HealthCheck() Status {
	s.mu.Lock()
	sess, h := s.sess, s.handle
	s.mu.Unlock()

	if sess != nil && h != nil {
		if err := s.check(sess, h); err != nil {
			select {
			case sess.kick <- struct{}{}:
			default:
			}
		}
	}
	return s.Status()
}

// Handle returns the running pipeline while the source is streaming.
func (s *Supervisor) Handle() (pipeline.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.state != StateStreaming {
		return nil, false
	}
	return s.handle, true
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Supervisor) statusLocked() Status {
	st := Status{
		SourceID:        s.src.ID,
		State:           s.state,
		SubState:        s.sub,
		Resolution:      s.src.Resolution.String(),
		Output:          s.output.String(),
		Failures:        s.failures,
		LastHealthCheck: s.lastHealth,
		StartedAt:       s.startedAt,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.claim.IsZero() {
		st.Encoder, st.ClaimKind = s.claim.Encoder, s.claim.Kind
	}
	if s.handle != nil {
		stats := s.handle.Stats()
		st.Frames, st.LastFrameAt = stats.Frames, stats.LastFrameAt
	}
	return st
}

func (s *Supervisor) notify(st Status) {
	s.metrics.SetIngestState(st.SourceID, string(st.State), States)
	if s.onChange != nil {
		s.onChange(st)
	}
}

// run drives one session: attempt, back off, attempt again, until stopped or
// the retry ceiling is exceeded.
func (s *Supervisor) run(sess *Session) {
	defer close(sess.done)

	log := s.log.With(zap.Int64("session", sess.id))
	timer := s.clk.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			s.finish(sess)
			return
		case <-timer.C():
		}

		err := s.attempt(sess, log)
		if sess.ctx.Err() != nil {
			s.finish(sess)
			return
		}

		failures, exhausted := s.fail(sess, err)
		if exhausted {
			if failures > 0 {
				log.Error("ingest failed; retry ceiling exceeded",
					zap.Int("failures", failures), zap.Int("max_retries", s.cfg.MaxRetries), zap.Error(err))
			}
			return
		}

		delay := s.cfg.backoff(failures)
		s.metrics.IngestRestart(s.id)
		log.Warn("ingest pipeline failed; restarting",
			zap.Int("failures", failures), zap.Duration("backoff", delay), zap.Error(err))
		timer.Reset(delay)
	}
}

// attempt runs one pipeline until it fails or the session ends. It returns nil
// only when the session was canceled.
func (s *Supervisor) attempt(sess *Session, log *zap.Logger) error {
	s.mu.Lock()
	src := s.src
	s.attempts++
	n := s.attempts
	s.mu.Unlock()

	claim, err := s.arb.TryClaim(arbiter.Request{
		Holder:          s.Ref().String(),
		Codec:           src.Capability.Codec,
		ResolutionClass: src.ResolutionClass(),
	})
	if err != nil {
		return fmt.Errorf("claim encoder: %w", err)
	}
	defer s.arb.Release(claim)

	h, err := s.exec.Build(pipeline.Spec{
		Ref:    s.Ref(),
		Name:   fmt.Sprintf("ingest-%s-%d", src.ID, n),
		Inputs: []string{src.URL},
		Output: s.output,
		Encode: &pipeline.Encode{
			Codec:       claim.Codec,
			Encoder:     claim.Encoder,
			Hardware:    claim.IsHardware(),
			Resolution:  src.Resolution,
			Framerate:   src.Framerate,
			BitrateKbps: src.Capability.BitrateKbps,
		},
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	s.setHandle(sess, h, claim)
	defer s.teardown(sess, h, log)

	if err := h.Start(sess.ctx); err != nil {
		if sess.ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("start pipeline: %w: %w", orcherr.ErrTransientPipelineFailure, err)
	}
	log.Debug("pipeline started", zap.String("encoder", claim.Encoder), zap.String("claim", string(claim.Kind)))

	noSignal := s.clk.NewTimer(s.cfg.NoSignalTimeout)
	defer noSignal.Stop()
	health := s.clk.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	first := h.FirstFrame()
	for {
		select {
		case <-sess.ctx.Done():
			return nil

		case <-h.Done():
			cause := h.Err()
			if cause == nil {
				cause = pipeline.ErrExited
			}
			if claim.IsHardware() && errors.Is(cause, pipeline.ErrHardwareFault) {
				s.arb.ReportInstability(claim.Codec, cause)
			}
			return fmt.Errorf("%w: %w", orcherr.ErrTransientPipelineFailure, cause)

		case <-first:
			first = nil
			if s.markStreaming(sess, SubOK) {
				log.Info("ingest streaming")
			}

		case <-noSignal.C():
			if first != nil && s.markStreaming(sess, SubNoSignal) {
				log.Warn("ingest alive without frames; no signal", zap.Duration("after", s.cfg.NoSignalTimeout))
			}

		case <-health.C():
			if err := s.check(sess, h); err != nil {
				return err
			}

		case <-sess.kick:
			if err := s.check(sess, h); err != nil {
				return err
			}
		}
	}
}

// check inspects frame recency. A stream that produced frames and then went
// quiet past the stall timeout is an error; a no-signal stream that produces
// frames is promoted.
func (s *Supervisor) check(sess *Session, h pipeline.Handle) error {
	stats := h.Stats()
	now := s.clk.Now()

	s.mu.Lock()
	if s.sess == sess {
		s.lastHealth = now
	}
	s.mu.Unlock()

	if !stats.Alive || stats.Frames == 0 {
		return nil
	}
	if quiet := now.Sub(stats.LastFrameAt); quiet > s.cfg.StallTimeout {
		return fmt.Errorf("%w: stalled, no frames for %s", orcherr.ErrTransientPipelineFailure, quiet.Round(time.Millisecond))
	}
	s.markStreaming(sess, SubOK)
	return nil
}

// markStreaming records a streaming sub-state and reports whether it changed.
// Reaching ok resets the failure count.
func (s *Supervisor) markStreaming(sess *Session, sub SubState) bool {
	s.mu.Lock()
	if s.sess != sess || sess.stopping {
		s.mu.Unlock()
		return false
	}
	changed := s.state != StateStreaming || s.sub != sub
	s.state, s.sub = StateStreaming, sub
	if sub == SubOK {
		s.failures, s.lastErr = 0, nil
	}
	st := s.statusLocked()
	s.mu.Unlock()

	sess.streamingOnce.Do(func() { close(sess.streaming) })
	if changed {
		s.notify(st)
	}
	return changed
}

func (s *Supervisor) setHandle(sess *Session, h pipeline.Handle, claim arbiter.Claim) {
	s.mu.Lock()
	if s.sess != sess || sess.stopping {
		s.mu.Unlock()
		return
	}
	s.handle, s.claim = h, claim
	changed := s.state != StateStarting
	s.state, s.sub = StateStarting, ""
	st := s.statusLocked()
	s.mu.Unlock()
	if changed {
		s.notify(st)
	}
}

// teardown stops h with a bounded wait, independent of the session context.
func (s *Supervisor) teardown(sess *Session, h pipeline.Handle, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		log.Error("pipeline stop failed", zap.Error(err))
	}

	s.mu.Lock()
	if s.handle == h {
		s.handle, s.claim = nil, arbiter.Claim{}
	}
	s.mu.Unlock()
}

// fail records a failed attempt. Past the retry ceiling the session ends in
// the failed state.
func (s *Supervisor) fail(sess *Session, err error) (failures int, exhausted bool) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return 0, true
	}
	if sess.stopping {
		s.mu.Unlock()
		s.finish(sess)
		return 0, true
	}
	s.failures++
	s.lastErr = err
	failures = s.failures
	if failures > s.cfg.MaxRetries {
		s.state, s.sub, s.sess = StateFailed, "", nil
		exhausted = true
	} else {
		s.state, s.sub = StateError, ""
	}
	st := s.statusLocked()
	s.mu.Unlock()

	s.notify(st)
	return failures, exhausted
}

// finish ends a canceled session in idle.
func (s *Supervisor) finish(sess *Session) {
	s.mu.Lock()
	if s.sess != sess {
		s.mu.Unlock()
		return
	}
	s.sess = nil
	s.state, s.sub = StateIdle, ""
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("ingest stopped", zap.Int64("session", sess.id))
	s.notify(st)
}

func ctxErr(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, orcherr.ErrOperationTimeout)
	}
	return fmt.Errorf("%s: %w", op, orcherr.ErrCanceled)
}
