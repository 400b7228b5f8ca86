// Package watch schedules pending passes when new master frames or nights
// appear under the pipeline root.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"blaauwpipe/internal/frame"
	"blaauwpipe/internal/fsutil"
)

// Action is what a filesystem event means to the pipeline.
type Action int

const (
	Ignore Action = iota
	// NewNight is a night directory created under the root.
	NewNight
	// NewCorrection is a Correction directory created inside a night.
	NewCorrection
	// NewMaster is a master frame written into a Correction directory.
	NewMaster
)

// Trigger runs when the debounce window closes.
type Trigger func(ctx context.Context)

// Watcher watches the root, every night directory and every Correction
// directory.
type Watcher struct {
	layout   fsutil.Layout
	debounce time.Duration
	trigger  Trigger
	log      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a Watcher. A non-positive debounce defaults to one second.
func New(layout fsutil.Layout, debounce time.Duration, trigger Trigger, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{layout: layout, debounce: debounce, trigger: trigger, log: logger}
}

// Classify maps a created or written path onto an Action.
func (w *Watcher) Classify(path string, isDir bool) Action {
	parent := filepath.Dir(path)
	if isDir {
		if filepath.Clean(parent) == filepath.Clean(w.layout.Root) {
			if _, err := w.layout.ParseNight(filepath.Base(path)); err == nil {
				return NewNight
			}
			return Ignore
		}
		if filepath.Base(path) == fsutil.CorrectionDir && w.isNightDir(parent) {
			return NewCorrection
		}
		return Ignore
	}
	if filepath.Base(parent) != fsutil.CorrectionDir || !w.isNightDir(filepath.Dir(parent)) {
		return Ignore
	}
	if _, _, err := frame.ParseMasterName(filepath.Base(path)); err != nil {
		return Ignore
	}
	return NewMaster
}

func (w *Watcher) isNightDir(dir string) bool {
	if filepath.Clean(filepath.Dir(dir)) != filepath.Clean(w.layout.Root) {
		return false
	}
	_, err := w.layout.ParseNight(filepath.Base(dir))
	return err == nil
}

// Run watches until ctx is cancelled. Pending triggers are dropped on exit.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	defer w.stop()

	if err := fsw.Add(w.layout.Root); err != nil {
		return err
	}
	nights, err := w.layout.Nights()
	if err != nil {
		return err
	}
	for _, n := range nights {
		w.add(fsw, w.layout.NightDir(n))
		w.add(fsw, w.layout.Correction(n))
	}
	w.log.Info("watching pipeline root", "root", w.layout.Root, "nights", len(nights))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			info, err := os.Stat(ev.Name)
			if err != nil {
				continue
			}
			switch w.Classify(ev.Name, info.IsDir()) {
			case NewNight:
				w.add(fsw, ev.Name)
				w.add(fsw, filepath.Join(ev.Name, fsutil.CorrectionDir))
				w.schedule(ctx)
			case NewCorrection:
				w.add(fsw, ev.Name)
				w.schedule(ctx)
			case NewMaster:
				w.log.Debug("master appeared", "path", ev.Name)
				w.schedule(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) add(fsw *fsnotify.Watcher, dir string) {
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return
	}
	if err := fsw.Add(dir); err != nil {
		w.log.Warn("cannot watch directory", "dir", dir, "error", err)
	}
}

// schedule restarts the debounce window.
func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.trigger(ctx)
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
