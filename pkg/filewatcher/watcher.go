// Package filewatcher reports debounced changes to individual files, such as
// a configuration file edited in place or replaced by rename.
package filewatcher

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher watches a fixed set of files. The parent directories are what is
// actually watched, so a file replaced by rename keeps being tracked.
type Watcher struct {
	fsw      *fsnotify.Watcher
	files    map[string]struct{}
	dirs     []string
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(string)

	changesMu sync.Mutex
	changes   map[string]time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a Watcher for paths. Nothing is watched until Start.
func New(paths []string, opts ...Option) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("filewatcher: no files to watch")
	}

	w := &Watcher{
		files:    make(map[string]struct{}, len(paths)),
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	seen := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("filewatcher: resolve %s: %w", p, err)
		}
		w.files[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	for _, opt := range opts {
		opt(w)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w", err)
	}
	w.fsw = fsw
	return w, nil
}

// AddCallback adds a callback invoked with the absolute path of a changed
// file. Callbacks run on the watcher goroutine.
func (w *Watcher) AddCallback(callback func(string)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
		w.logger.Debug("watching directory", "dir", dir)
	}
	go w.watchLoop()
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) watchLoop() {
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Clean(event.Name)
			if _, tracked := w.files[name]; !tracked {
				continue
			}
			w.changesMu.Lock()
			w.changes[name] = time.Now()
			w.changesMu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush reports files that have been quiet for at least the debounce period.
func (w *Watcher) flush() {
	now := time.Now()
	var ready []string
	w.changesMu.Lock()
	for file, at := range w.changes {
		if now.Sub(at) >= w.debounce {
			ready = append(ready, file)
			delete(w.changes, file)
		}
	}
	w.changesMu.Unlock()

	for _, file := range ready {
		w.logger.Info("file changed", "file", file)
		w.notify(file)
	}
}

func (w *Watcher) notify(file string) {
	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, callback := range w.callbacks {
		callback(file)
	}
}
