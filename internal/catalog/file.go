package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// File is a YAML-backed catalog that can follow edits to its file.
type File struct {
	log      *zap.Logger
	path     string
	debounce time.Duration

	mu   sync.RWMutex
	snap Snapshot
}

// LoadFile reads and validates the catalog at path. A bad file at boot is fatal
// to the caller; later reloads keep the last good snapshot instead.
func LoadFile(log *zap.Logger, path string, debounce time.Duration) (*File, error) {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	f := &File{
		log:      log.Named("catalog"),
		path:     abs,
		debounce: debounce,
	}
	snap, err := f.read()
	if err != nil {
		return nil, err
	}
	f.snap = snap
	f.log.Info("catalog loaded",
		zap.String("path", abs),
		zap.Int("sources", len(snap.Sources)),
		zap.Int("scenes", len(snap.Scenes)),
	)
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snap
}

// Reload re-reads the file. Sources missing from the new document stay in the
// catalog as disabled entries.
func (f *File) Reload() (Snapshot, error) {
	next, err := f.read()
	if err != nil {
		return f.Snapshot(), err
	}
	f.mu.Lock()
	next = retain(f.snap, next)
	f.snap = next
	f.mu.Unlock()
	return next, nil
}

func (f *File) read() (Snapshot, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open '%s': %w", f.path, err)
	}
	defer fh.Close()
	snap, err := Parse(fh)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog '%s': %w", f.path, err)
	}
	return snap, nil
}

// Watch follows the catalog file until ctx ends, calling onChange after each
// successful debounced reload. It blocks; run it on its own goroutine.
func (f *File) Watch(ctx context.Context, onChange func(Snapshot)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher init: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch add dir '%s': %w", dir, err)
	}

	var (
		tmu sync.Mutex
		t   *time.Timer
	)
	trigger := func() {
		if ctx.Err() != nil {
			return
		}
		snap, err := f.Reload()
		if err != nil {
			f.log.Warn("reload rejected; keeping previous catalog", zap.Error(err))
			return
		}
		f.log.Info("catalog reloaded",
			zap.Int("sources", len(snap.Sources)),
			zap.Int("scenes", len(snap.Scenes)),
		)
		if onChange != nil {
			onChange(snap)
		}
	}
	reset := func() {
		tmu.Lock()
		defer tmu.Unlock()
		if t != nil {
			t.Stop()
		}
		t = time.AfterFunc(f.debounce, trigger)
	}
	defer func() {
		tmu.Lock()
		if t != nil {
			t.Stop()
		}
		tmu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != f.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("watch error", zap.Error(err))
		}
	}
}
