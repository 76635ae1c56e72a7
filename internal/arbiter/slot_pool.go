package arbiter

import "sync"

// slotPool is a weighted, non-blocking semaphore with explicit ownership.
// Each acquisition requires a unique owner id so leaks are attributable.
type slotPool struct {
	mu         sync.Mutex
	maxCap     int64
	usage      int64
	acquiredBy map[string]int64 // owner → weight
}

func newSlotPool(max int64) *slotPool {
	if max < 0 {
		max = 0
	}
	return &slotPool{
		maxCap:     max,
		acquiredBy: make(map[string]int64),
	}
}

// tryAcquire takes weight slots for id if they fit.
// Duplicate acquisition by the same id is a protocol violation.
func (s *slotPool) tryAcquire(id string, weight int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, holds := s.acquiredBy[id]; holds {
		panic("slotPool: id already holds a slot")
	}

	if s.usage+weight > s.maxCap {
		return false
	}

	s.usage += weight
	s.acquiredBy[id] = weight
	return true
}

// release frees the slots owned by id and reports whether id held any.
// Releasing twice is a no-op.
func (s *slotPool) release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, holds := s.acquiredBy[id]
	if !holds {
		return false
	}

	delete(s.acquiredBy, id)
	s.usage -= w
	return true
}

func (s *slotPool) capacity() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCap
}

// current returns the weighted usage.
func (s *slotPool) current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
