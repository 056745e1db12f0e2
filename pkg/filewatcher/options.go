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

// WithFiles adds files to watch. Their directories are watched so files that
// editors replace on save keep being tracked.
func WithFiles(files ...string) Option {
	return func(w *Watcher) {
		w.files = append(w.files, files...)
	}
}

// WithDebounce sets the quiet period before a change is reported
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}
