package filewatcher

import (
	"log/slog"
	"time"
)

// Option configures a Watcher
type Option func(*Watcher)

// WithLogger sets the logger for the watcher
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDebounce sets how long a file must stay quiet before its change is reported
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// OnChange registers a callback; see Watcher.AddCallback.
func OnChange(fn func(path string)) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.callbacks = append(w.callbacks, fn)
		}
	}
}
