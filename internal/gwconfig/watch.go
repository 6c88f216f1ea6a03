package gwconfig

import (
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rustamtm/termgw/internal/logger"
)

// Watcher hot-reloads Tunables from an optional YAML file so an operator
// can retune idleTimeoutMs/detachGraceMs/maxSessionsPerUser/promptPatterns
// without a restart. A changed file is re-read, validated, and atomically
// swapped in; sessions already running keep their own copy of the config
// they were created with.
type Watcher struct {
	current atomic.Pointer[Tunables]
	fsw     *fsnotify.Watcher
	path    string
}

// WatchFile starts watching path (if it exists) for changes, seeding the
// initial value from base.
func WatchFile(path string, base Tunables) (*Watcher, error) {
	w := &Watcher{path: path}
	w.current.Store(&base)

	if path == "" {
		return w, nil
	}
	if _, err := os.Stat(path); err != nil {
		return w, nil // file optional; env-derived defaults stand
	}

	if err := w.reload(); err != nil {
		logger.Log.Warn("gwconfig: initial tunables load failed, keeping defaults", "path", path, "err", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w.fsw = fsw

	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				logger.Log.Warn("gwconfig: tunables reload failed, keeping previous values", "path", w.path, "err", err)
			} else {
				logger.Log.Info("gwconfig: tunables reloaded", "path", w.path)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Log.Warn("gwconfig: watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return err
	}
	if t.IdleTimeoutMs <= 0 {
		t.IdleTimeoutMs = w.current.Load().IdleTimeoutMs
	}
	if t.DetachGraceMs <= 0 {
		t.DetachGraceMs = w.current.Load().DetachGraceMs
	}
	if t.MaxSessionsPerUser <= 0 {
		t.MaxSessionsPerUser = w.current.Load().MaxSessionsPerUser
	}
	w.current.Store(&t)
	return nil
}

// Current returns the latest loaded Tunables.
func (w *Watcher) Current() Tunables {
	return *w.current.Load()
}

// Close stops the underlying filesystem watch, if any.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
