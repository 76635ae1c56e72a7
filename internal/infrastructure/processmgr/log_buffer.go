package processmgr

import (
	"sync"
	"time"
)

const logBufferSize = 500

type logEntry struct {
	at   time.Time
	line string
}

// logBuffer is a thread-safe circular buffer of timestamped stderr lines with
// O(1) append and O(N) read. It outlives individual processes so the output
// of a crashed attempt is still readable after the restart.
type logBuffer struct {
	entries [logBufferSize]logEntry
	head    int // next write position
	size    int // current number of entries
	mu      sync.RWMutex
}

// Append adds a line, overwriting the oldest when full.
func (b *logBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = logEntry{at: time.Now(), line: line}
	b.head = (b.head + 1) % logBufferSize
	if b.size < logBufferSize {
		b.size++
	}
}

// Read returns up to lines entries, newest first, formatted as
// "15:04:05.000 <line>". lines <= 0 or > capacity returns everything held.
// The returned slice is owned by the caller.
func (b *logBuffer) Read(lines int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return nil
	}
	if lines <= 0 || lines > logBufferSize {
		lines = logBufferSize
	}
	n := min(b.size, lines)

	// newest is one behind head in both the wrapped and unwrapped case
	newest := (b.head - 1 + logBufferSize) % logBufferSize

	result := make([]string, n)
	for i := 0; i < n; i++ {
		e := b.entries[(newest-i+logBufferSize)%logBufferSize]
		result[i] = e.at.Format("15:04:05.000") + " " + e.line
	}
	return result
}
