package compositor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edirooss/zmux-mixer/internal/arbiter"
	"github.com/edirooss/zmux-mixer/internal/domain/media"
	"github.com/edirooss/zmux-mixer/internal/domain/scene"
	"github.com/edirooss/zmux-mixer/internal/orcherr"
	"github.com/edirooss/zmux-mixer/internal/pipeline"
	"github.com/edirooss/zmux-mixer/internal/pipeline/pipelinetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

var hd = media.Resolution{Width: 1280, Height: 720}

type fakeSources struct {
	mu   sync.Mutex
	live map[string]pipeline.Endpoint
	next int
}

func newFakeSources(live ...string) *fakeSources {
	f := &fakeSources{live: make(map[string]pipeline.Endpoint)}
	for _, id := range live {
		f.set(id, true)
	}
	return f
}

func (f *fakeSources) set(id string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !up {
		delete(f.live, id)
		return
	}
	f.next++
	f.live[id] = pipeline.Endpoint{Group: "239.255.42.1", Port: 20000 + f.next}
}

func (f *fakeSources) StreamingOutput(id string) (pipeline.Endpoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.live[id]
	return ep, ok
}

type countingLinker struct {
	mu    sync.Mutex
	calls int
}

func (l *countingLinker) Relink(context.Context, pipeline.Ref) error {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return nil
}

func (l *countingLinker) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// quad lays up to four sources out in a 2x2 grid; "" leaves a slot empty.
func quad(id string, ids ...string) *scene.Scene {
	sc := &scene.Scene{ID: id, Output: hd, Framerate: 30}
	for i, src := range ids {
		sc.Slots = append(sc.Slots, scene.Slot{
			SourceID: src,
			Region:   scene.Region{X: (i % 2) * 640, Y: (i / 2) * 360, Width: 640, Height: 360},
		})
	}
	return sc
}

func testConfig() Config {
	return Config{
		PreferredCodec: media.CodecH264,
		MinSlots:       4,
		StartTimeout:   2 * time.Second,
		StopTimeout:    time.Second,
		SwitchTimeout:  2 * time.Second,
		MaxRecoveries:  3,
	}
}

type fixture struct {
	comp    *Compositor
	exec    *pipelinetest.Executor
	arb     *arbiter.Arbiter
	sources *fakeSources
	linker  *countingLinker
}

func newFixture(t *testing.T, cfg Config, sources *fakeSources, opts ...pipelinetest.Option) *fixture {
	t.Helper()
	exec := pipelinetest.NewExecutor(opts...)
	arb := arbiter.New(zap.NewNop(), arbiter.DefaultConfig(), nil)
	comp := New(zap.NewNop(), cfg, pipeline.Endpoint{Group: "239.255.43.1", Port: 30000}, Deps{
		Executor: exec,
		Arbiter:  arb,
		Sources:  sources,
	})
	linker := &countingLinker{}
	comp.SetLinker(linker)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = comp.Stop(ctx)
	})
	return &fixture{comp: comp, exec: exec, arb: arb, sources: sources, linker: linker}
}

func (f *fixture) builds() int                  { return f.exec.Builds(pipeline.ProgramRef) }
func (f *fixture) latest() *pipelinetest.Handle { return f.exec.Latest(pipeline.ProgramRef) }

func autoFrames() pipelinetest.Option { return pipelinetest.WithAutoFrames(10 * time.Millisecond) }

func TestStartWithoutSceneFailsFast(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources(), autoFrames())

	st, err := f.comp.Start(context.Background(), nil)
	require.ErrorIs(t, err, orcherr.ErrNoScene)
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, f.builds())
}

func TestStartRejectsInvalidScene(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources(), autoFrames())
	sc := quad("bad", "cam-1")
	sc.Slots[0].Region.Width = 5000

	_, err := f.comp.Start(context.Background(), sc)
	require.ErrorIs(t, err, orcherr.ErrConfigurationInvalid)
	assert.Zero(t, f.builds())
}

func TestStartBindsBlankForMissingSources(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1", "cam-3"), autoFrames())

	st, err := f.comp.Start(context.Background(), quad("quad", "cam-1", "cam-2", "cam-3", "cam-4"))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "quad", st.ActiveSceneID)
	assert.Equal(t, 2, st.LiveSlots())
	assert.Equal(t, []string{"cam-1", "cam-3"}, st.Inputs)
	assert.Equal(t, []SlotStatus{
		{Index: 0, SourceID: "cam-1", Live: true},
		{Index: 1, SourceID: "cam-2"},
		{Index: 2, SourceID: "cam-3", Live: true},
		{Index: 3, SourceID: "cam-4"},
	}, st.Slots)

	spec := f.latest().Spec()
	require.Len(t, spec.Inputs, 2)
	assert.Contains(t, spec.Inputs[0], "udp://239.255.42.1:")
	require.NotNil(t, spec.Layout)
	assert.Len(t, spec.Layout.Slots, 4)
	assert.Equal(t, -1, spec.Layout.Slots[1].Input)
	assert.Equal(t, 1, spec.Layout.Slots[2].Input)
	assert.Equal(t, hd, spec.Encode.Resolution)
	assert.Equal(t, 1, f.linker.count())
}

func TestSwitchWithinTopologyReconfiguresInPlace(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1", "cam-2", "cam-3", "cam-4"), autoFrames())

	_, err := f.comp.Start(context.Background(), quad("quad", "cam-1", "cam-2", "cam-3", "cam-4"))
	require.NoError(t, err)
	prog := f.latest()

	st, err := f.comp.SetScene(context.Background(), quad("duo", "cam-4", "cam-2"))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "duo", st.ActiveSceneID)

	assert.Equal(t, 1, f.builds(), "program must not be rebuilt")
	assert.Zero(t, prog.StopCalls())
	require.Len(t, prog.Layouts(), 1)
	l := prog.Layouts()[0]
	assert.Equal(t, 3, l.Slots[0].Input)
	assert.Equal(t, 1, l.Slots[1].Input)
	assert.True(t, l.Slots[2].Hidden)
	assert.True(t, l.Slots[3].Hidden)
	assert.Equal(t, 1, f.linker.count(), "in-place switches do not relink branches")
	assert.Len(t, f.arb.Snapshot().Claims, 1)
}

func TestSwitchToSameLayoutSendsNoCommands(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1"), autoFrames())

	_, err := f.comp.Start(context.Background(), quad("a", "cam-1"))
	require.NoError(t, err)
	_, err = f.comp.SetScene(context.Background(), quad("b", "cam-1"))
	require.NoError(t, err)

	assert.Empty(t, f.latest().Layouts())
	assert.Equal(t, "b", f.comp.Status().ActiveSceneID)
}

func TestSwitchRebuildsOnTopologyChange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeSources) *scene.Scene
	}{
		{
			name: "output resolution",
			mutate: func(*fakeSources) *scene.Scene {
				sc := quad("big", "cam-1")
				sc.Output = media.Resolution{Width: 1920, Height: 1080}
				return sc
			},
		},
		{
			name: "framerate",
			mutate: func(*fakeSources) *scene.Scene {
				sc := quad("fast", "cam-1")
				sc.Framerate = 60
				return sc
			},
		},
		{
			name: "slot count beyond capacity",
			mutate: func(*fakeSources) *scene.Scene {
				sc := quad("six", "cam-1", "cam-1", "cam-1", "cam-1")
				sc.Slots = append(sc.Slots, sc.Slots[:2]...)
				return sc
			},
		},
		{
			name: "source not yet bound",
			mutate: func(s *fakeSources) *scene.Scene {
				s.set("cam-2", true)
				return quad("two", "cam-1", "cam-2")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := newFakeSources("cam-1")
			f := newFixture(t, testConfig(), sources, autoFrames())

			_, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
			require.NoError(t, err)
			first := f.latest()

			st, err := f.comp.SetScene(context.Background(), tt.mutate(sources))
			require.NoError(t, err)
			assert.Equal(t, StateRunning, st.State)
			assert.Equal(t, 2, f.builds())
			assert.Equal(t, 1, first.StopCalls())
			assert.Equal(t, 1, f.exec.Running(pipeline.ProgramRef))
			assert.Len(t, f.arb.Snapshot().Claims, 1)
			assert.Equal(t, 2, f.linker.count())
		})
	}
}

func TestCapacityIsPreallocated(t *testing.T) {
	cfg := testConfig()
	cfg.MinSlots = 6
	f := newFixture(t, cfg, newFakeSources("cam-1"), autoFrames())

	st, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)
	assert.Equal(t, 6, st.Capacity)
	assert.Len(t, f.latest().Spec().Layout.Slots, 6)
}

func TestFailedRebuildRollsBack(t *testing.T) {
	big := media.Resolution{Width: 1920, Height: 1080}
	f := newFixture(t, testConfig(), newFakeSources("cam-1"), autoFrames(),
		pipelinetest.OnBuild(func(h *pipelinetest.Handle) {
			if h.Spec().Encode.Resolution == big {
				h.FailStart(errors.New("device busy"))
			}
		}))

	_, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)

	sc := quad("big", "cam-1")
	sc.Output = big
	st, err := f.comp.SetScene(context.Background(), sc)
	require.ErrorIs(t, err, orcherr.ErrTransientPipelineFailure)
	assert.Contains(t, err.Error(), "rolled back")
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "one", st.ActiveSceneID)
	assert.Contains(t, st.LastError, "device busy")
	assert.Equal(t, 3, f.builds())
	assert.Equal(t, 1, f.exec.Running(pipeline.ProgramRef))
	assert.Len(t, f.arb.Snapshot().Claims, 1)
}

func TestFailedRollbackDegrades(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1"), autoFrames())

	_, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)

	f.exec.SetBuildErr(errors.New("executor unavailable"))
	sc := quad("big", "cam-1")
	sc.Output = media.Resolution{Width: 1920, Height: 1080}
	st, err := f.comp.SetScene(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, StateDegraded, st.State)
	assert.Empty(t, st.ActiveSceneID)
	assert.Contains(t, st.LastError, "executor unavailable")
	assert.Empty(t, f.arb.Snapshot().Claims)
	_, ok := f.comp.Handle()
	assert.False(t, ok)

	f.exec.SetBuildErr(nil)
	st, err = f.comp.SetScene(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
}

func TestInPlaceFailureFallsBackToPreviousScene(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1", "cam-2"), autoFrames())

	_, err := f.comp.Start(context.Background(), quad("ab", "cam-1", "cam-2"))
	require.NoError(t, err)
	f.latest().FailReconfigure(errors.New("filter not found"))

	st, err := f.comp.SetScene(context.Background(), quad("ba", "cam-2", "cam-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter not found")
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "ab", st.ActiveSceneID)
	assert.Equal(t, 2, f.builds(), "restore failed too, previous scene rebuilt")
}

func TestStopCancelsPendingStart(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1"))

	errc := make(chan error, 1)
	go func() {
		_, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
		errc <- err
	}()
	require.Eventually(t, func() bool { return f.exec.Running(pipeline.ProgramRef) == 1 }, waitFor, tick)

	st, err := f.comp.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, orcherr.ErrCanceled)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after Stop")
	}
	assert.Equal(t, 0, f.exec.Running(pipeline.ProgramRef))
	assert.Empty(t, f.arb.Snapshot().Claims)
}

func TestStartTimesOutWithoutFrames(t *testing.T) {
	cfg := testConfig()
	cfg.StartTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg, newFakeSources("cam-1"))

	st, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.ErrorIs(t, err, orcherr.ErrOperationTimeout)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 0, f.exec.Running(pipeline.ProgramRef))
	assert.Empty(t, f.arb.Snapshot().Claims)
}

func TestNewestSceneRequestWins(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1", "cam-2"))

	type result struct {
		st  Status
		err error
	}
	run := func(sc *scene.Scene) chan result {
		ch := make(chan result, 1)
		go func() {
			st, err := f.comp.SetScene(context.Background(), sc)
			ch <- result{st, err}
		}()
		return ch
	}

	first := run(quad("a", "cam-1", "cam-2"))
	require.Eventually(t, func() bool { return f.exec.Running(pipeline.ProgramRef) == 1 }, waitFor, tick)
	middle := run(quad("b", "cam-2", "cam-1"))
	time.Sleep(50 * time.Millisecond)
	last := run(quad("c", "cam-2"))
	time.Sleep(50 * time.Millisecond)

	f.latest().EmitFrame()

	r := <-first
	require.NoError(t, r.err)
	r = <-middle
	assert.ErrorIs(t, r.err, orcherr.ErrSuperseded)
	r = <-last
	require.NoError(t, r.err)
	assert.Equal(t, "c", r.st.ActiveSceneID)
	assert.Equal(t, 1, f.builds())
}

func TestRefreshRebindsSources(t *testing.T) {
	sources := newFakeSources("cam-1", "cam-2")
	f := newFixture(t, testConfig(), sources, autoFrames())

	_, err := f.comp.Start(context.Background(), quad("trio", "cam-1", "cam-2", "cam-3"))
	require.NoError(t, err)

	sources.set("cam-1", false)
	f.comp.Refresh("cam-1")
	require.Eventually(t, func() bool { return f.comp.Status().LiveSlots() == 1 }, waitFor, tick)
	assert.Equal(t, 1, f.builds())

	sources.set("cam-1", true)
	f.comp.Refresh("cam-1")
	require.Eventually(t, func() bool { return f.comp.Status().LiveSlots() == 2 }, waitFor, tick)
	assert.Equal(t, 1, f.builds(), "a bound source comes back in place")

	sources.set("cam-3", true)
	f.comp.Refresh("cam-3")
	require.Eventually(t, func() bool {
		st := f.comp.Status()
		return st.State == StateRunning && st.LiveSlots() == 3
	}, waitFor, tick)
	assert.Equal(t, 2, f.builds(), "a newly streaming source needs a new input")

	f.comp.Refresh("cam-9")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, f.builds())
}

func TestSourceChangeDuringStartIsRebound(t *testing.T) {
	sources := newFakeSources("cam-1")
	f := newFixture(t, testConfig(), sources)

	type result struct {
		st  Status
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := f.comp.Start(context.Background(), quad("duo", "cam-1", "cam-2"))
		done <- result{st, err}
	}()
	require.Eventually(t, func() bool { return f.exec.Running(pipeline.ProgramRef) == 1 }, waitFor, tick)
	require.Equal(t, StateStarting, f.comp.Status().State)

	sources.set("cam-2", true)
	f.comp.Refresh("cam-2")
	f.latest().EmitFrame()

	require.Eventually(t, func() bool { return f.builds() == 2 && f.latest().Started() }, waitFor, tick)
	f.latest().EmitFrame()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StateRunning, r.st.State)
		assert.Equal(t, 2, r.st.LiveSlots())
		assert.Equal(t, []string{"cam-1", "cam-2"}, r.st.Inputs)
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, 1, f.exec.Running(pipeline.ProgramRef))
}

func TestSourceLossDuringStartIsUnbound(t *testing.T) {
	sources := newFakeSources("cam-1", "cam-2")
	f := newFixture(t, testConfig(), sources)

	done := make(chan Status, 1)
	go func() {
		st, _ := f.comp.Start(context.Background(), quad("duo", "cam-1", "cam-2"))
		done <- st
	}()
	require.Eventually(t, func() bool { return f.exec.Running(pipeline.ProgramRef) == 1 }, waitFor, tick)

	sources.set("cam-2", false)
	f.comp.Refresh("cam-2")
	f.latest().EmitFrame()

	select {
	case st := <-done:
		assert.Equal(t, StateRunning, st.State)
		assert.Equal(t, 1, st.LiveSlots())
	case <-time.After(waitFor):
		t.Fatal("Start did not return")
	}
	assert.Equal(t, 1, f.builds(), "losing a bound source is handled in place")
	require.NotEmpty(t, f.latest().Layouts())
	assert.Equal(t, -1, f.latest().Layouts()[0].Slots[1].Input)
}

func TestSourceChangeDuringRebuildIsRebound(t *testing.T) {
	sources := newFakeSources("cam-1")
	f := newFixture(t, testConfig(), sources)

	go func() { _, _ = f.comp.Start(context.Background(), quad("one", "cam-1")) }()
	require.Eventually(t, func() bool { return f.exec.Running(pipeline.ProgramRef) == 1 }, waitFor, tick)
	f.latest().EmitFrame()
	require.Eventually(t, func() bool { return f.comp.Status().State == StateRunning }, waitFor, tick)

	wide := quad("wide", "cam-1", "cam-2")
	wide.Output = media.Resolution{Width: 1920, Height: 1080}
	done := make(chan Status, 1)
	go func() {
		st, _ := f.comp.SetScene(context.Background(), wide)
		done <- st
	}()
	require.Eventually(t, func() bool { return f.builds() == 2 && f.latest().Started() }, waitFor, tick)
	require.Equal(t, StateSwitching, f.comp.Status().State)

	sources.set("cam-2", true)
	f.comp.Refresh("cam-2")
	f.latest().EmitFrame()
	require.Eventually(t, func() bool { return f.builds() == 3 && f.latest().Started() }, waitFor, tick)
	f.latest().EmitFrame()

	select {
	case st := <-done:
		assert.Equal(t, "wide", st.ActiveSceneID)
		assert.Equal(t, 2, st.LiveSlots())
	case <-time.After(waitFor):
		t.Fatal("SetScene did not return")
	}
}

func TestProgramCrashIsRecoveredThenDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecoveries = 1
	f := newFixture(t, cfg, newFakeSources("cam-1"), autoFrames())

	_, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)

	f.latest().Crash(errors.New("broken pipe"))
	require.Eventually(t, func() bool {
		return f.builds() == 2 && f.comp.Status().State == StateRunning
	}, waitFor, tick)
	assert.Equal(t, 1, f.comp.Status().Recoveries)

	f.latest().Crash(errors.New("broken pipe"))
	require.Eventually(t, func() bool { return f.comp.Status().State == StateDegraded }, waitFor, tick)
	assert.Contains(t, f.comp.Status().LastError, "broken pipe")
	assert.Empty(t, f.arb.Snapshot().Claims)
}

func TestHardwareFaultOnStartFallsBackToSoftware(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1"), autoFrames(),
		pipelinetest.OnBuild(func(h *pipelinetest.Handle) {
			if h.Spec().Encode.Hardware {
				h.HardwareFault()
			}
		}))

	st, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)
	assert.Equal(t, arbiter.Software, st.ClaimKind)
	assert.Equal(t, "libx264", st.Encoder)
	assert.True(t, f.arb.Unstable(media.CodecH264))
	assert.Equal(t, 2, f.builds())
}

func TestRenegotiateRebuildsOnlyForDisallowedCodec(t *testing.T) {
	cfg := testConfig()
	cfg.PreferredCodec = media.CodecHEVC
	f := newFixture(t, cfg, newFakeSources("cam-1"), autoFrames())

	st, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)
	assert.Equal(t, media.CodecHEVC, st.Codec)

	codec, err := f.comp.Renegotiate(context.Background(), []pipeline.Format{pipeline.FormatMPEGTS})
	require.NoError(t, err)
	assert.Equal(t, media.CodecHEVC, codec)
	assert.Equal(t, 1, f.builds())

	codec, err = f.comp.Renegotiate(context.Background(), []pipeline.Format{pipeline.FormatFLV})
	require.NoError(t, err)
	assert.Equal(t, media.CodecH264, codec)
	assert.Equal(t, 2, f.builds())
	assert.Equal(t, media.CodecH264, f.comp.Status().Codec)

	_, err = f.comp.Renegotiate(context.Background(), []pipeline.Format{pipeline.FormatFLV, pipeline.FormatWebM})
	require.ErrorIs(t, err, orcherr.ErrConfigurationInvalid)
	assert.Equal(t, 2, f.builds())

	// The constraint sticks for later switches.
	sc := quad("big", "cam-1")
	sc.Output = media.Resolution{Width: 1920, Height: 1080}
	st, err = f.comp.SetScene(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, media.CodecH264, st.Codec)
}

func TestStopIsIdempotentAndReleasesClaim(t *testing.T) {
	f := newFixture(t, testConfig(), newFakeSources("cam-1"), autoFrames())

	_, err := f.comp.Start(context.Background(), quad("one", "cam-1"))
	require.NoError(t, err)
	prog := f.latest()

	for range 2 {
		st, err := f.comp.Stop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateStopped, st.State)
	}
	assert.Equal(t, 1, prog.StopCalls())
	assert.Empty(t, f.arb.Snapshot().Claims)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, f.builds(), "a requested stop is not recovered")
}

func TestNegotiate(t *testing.T) {
	all := func(media.Codec) bool { return true }
	noHEVC := func(c media.Codec) bool { return c != media.CodecHEVC }

	tests := []struct {
		name      string
		keep      media.Codec
		preferred media.Codec
		formats   []pipeline.Format
		supports  func(media.Codec) bool
		want      media.Codec
		wantErr   bool
	}{
		{name: "unconstrained", preferred: media.CodecHEVC, supports: all, want: media.CodecHEVC},
		{name: "keep wins", keep: media.CodecH264, preferred: media.CodecHEVC, supports: all, want: media.CodecH264},
		{name: "flv forces h264", preferred: media.CodecHEVC, formats: []pipeline.Format{pipeline.FormatFLV}, supports: all, want: media.CodecH264},
		{name: "webm", preferred: media.CodecH264, formats: []pipeline.Format{pipeline.FormatWebM}, supports: all, want: media.CodecVP9},
		{name: "unsupported preferred", preferred: media.CodecHEVC, supports: noHEVC, want: media.CodecH264},
		{name: "empty intersection", preferred: media.CodecH264, formats: []pipeline.Format{pipeline.FormatFLV, pipeline.FormatWebM}, supports: all, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := negotiate(tt.keep, tt.preferred, tt.formats, tt.supports)
			if tt.wantErr {
				require.ErrorIs(t, err, orcherr.ErrConfigurationInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildLayoutOrdersByZAndPads(t *testing.T) {
	sc := quad("pip", "cam-1", "cam-2")
	sc.Slots[0].Region.Z = 5
	live := func(id string) bool { return id == "cam-1" }

	l, slots := buildLayout(sc, []string{"cam-2", "cam-1"}, live, 3)
	require.Len(t, l.Slots, 3)
	assert.Equal(t, hd, l.Canvas)
	assert.Equal(t, pipeline.SlotLayout{Input: -1, X: 640, Y: 0, Width: 640, Height: 360}, l.Slots[0])
	assert.Equal(t, pipeline.SlotLayout{Input: 1, X: 0, Y: 0, Width: 640, Height: 360}, l.Slots[1])
	assert.Equal(t, pipeline.SlotLayout{Input: -1, Hidden: true}, l.Slots[2])
	assert.Equal(t, []SlotStatus{{Index: 0, SourceID: "cam-1", Live: true}, {Index: 1, SourceID: "cam-2"}}, slots)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.PreferredCodec = "mpeg2"
	cfg.MinSlots = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preferred_codec")
	assert.Contains(t, err.Error(), "min_slots")
}
