package processmgr

import "sync"

// LogManager keeps one log buffer per pipeline ref, created lazily and kept
// across restarts of the same ref.
type LogManager struct {
	mu   sync.RWMutex
	bufs map[string]*logBuffer // pipeline ref → buffer
}

// NewLogManager initializes an empty log-buffer registry.
func NewLogManager() *LogManager {
	return &LogManager{
		bufs: make(map[string]*logBuffer),
	}
}

// get returns the buffer for key, creating it on first use.
func (lm *LogManager) get(key string) *logBuffer {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if buf, ok := lm.bufs[key]; ok {
		return buf
	}

	buf := new(logBuffer)
	lm.bufs[key] = buf
	return buf
}

// Read returns the last lines entries for key, newest first.
// ok is false when nothing was ever logged under key.
func (lm *LogManager) Read(key string, lines int) ([]string, bool) {
	lm.mu.RLock()
	buf, ok := lm.bufs[key]
	lm.mu.RUnlock()

	if !ok {
		return nil, false
	}
	return buf.Read(lines), true
}
