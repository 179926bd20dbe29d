package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of fsnotify events a single editor
// save often produces (write, then chmod, then rename-back) into one
// reload, the same debounce idea as the teacher pack's hot-reload helper
// (teradata-labs-loom's pkg/patterns.HotReloader).
const reloadDebounce = 500 * time.Millisecond

// Watcher holds the live Config and reloads it from disk whenever the
// backing file changes, so a deployment can push a config edit without a
// restart.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	log     *slog.Logger

	fsw *fsnotify.Watcher

	debounceMu sync.Mutex
	timer      *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher loads path once and returns a Watcher ready to serve Current().
// Call Start to begin watching for edits.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded Config. Safe for concurrent use.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Start begins watching the config file's directory for changes (watching
// the directory rather than the file itself survives editors that replace
// the file via rename-on-save). Reload failures are logged and the
// previous Config is kept in place.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
		return
	}
	w.current.Store(cfg)
	w.log.Info("config reloaded", "path", w.path)
}

// Stop ends the watch goroutine and releases the fsnotify watcher.
func (w *Watcher) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	w.fsw.Close()
	<-w.doneCh
}
