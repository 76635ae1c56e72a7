package service

import (
	"context"
	"errors"
	"fmt"
)

// gate is a tiny 1-token semaphore with TryLock semantics (non-blocking fast-fail).
type gate struct{ ch chan struct{} }

func newGate() *gate {
	g := &gate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{} // token present => unlocked
	return g
}

// Lock waits for the token or ctx.
func (g *gate) Lock(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) TryLock() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *gate) Unlock() {
	select {
	case g.ch <- struct{}{}:
	default:
		panic("unlock of unlocked gate")
	}
}

// ErrLocked signals a concurrent mutation is already in flight for this target.
var ErrLocked = errors.New("target locked")

func ingestGate(sourceID string) string { return "ingest:" + sourceID }

// programGate serializes branch mutations on the program output. Scene
// switches are serialized inside the compositor so Stop can always cancel them.
const programGate = "program"

// lock acquires the gate for key. Always returns a valid unlock func.
// Same key maps to the same gate.
func (s *StudioService) lock(ctx context.Context, key string) (func(), error) {
	v, _ := s.gates.LoadOrStore(key, newGate())
	g := v.(*gate)
	if err := g.Lock(ctx); err != nil {
		return func() {}, fmt.Errorf("%s: waiting for gate: %w", key, ctxErr(err))
	}
	return func() { g.Unlock() }, nil
}

// tryLock attempts to acquire the gate for key without blocking.
func (s *StudioService) tryLock(key string) (func(), error) {
	v, _ := s.gates.LoadOrStore(key, newGate())
	g := v.(*gate)
	if !g.TryLock() {
		return func() {}, fmt.Errorf("%s: %w", key, ErrLocked)
	}
	return func() { g.Unlock() }, nil
}
