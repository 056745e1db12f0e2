// Package filewatcher reports changes to a fixed set of files, such as the
// pipeline configuration the CLI restarts a run from.
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

// Watcher watches files for changes
type Watcher struct {
	watcher  *fsnotify.Watcher
	files    []string
	tracked  map[string]bool // absolute paths
	logger   *slog.Logger
	debounce time.Duration

	callbacksMu sync.RWMutex
	callbacks   []func(string)

	changesMu sync.Mutex
	changes   map[string]time.Time

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Watcher. At least one file must be given with WithFiles.
func New(opts ...Option) (*Watcher, error) {
	w := &Watcher{
		tracked:  make(map[string]bool),
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.files) == 0 {
		return nil, errors.New("filewatcher: no files to watch")
	}

	for _, f := range w.files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("filewatcher: resolve %s: %w", f, err)
		}
		w.tracked[abs] = true
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.watcher = fsw
	return w, nil
}

// OnChange adds a callback invoked with the absolute path of a changed file
func (w *Watcher) OnChange(callback func(path string)) {
	w.callbacksMu.Lock()
	defer w.callbacksMu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching
func (w *Watcher) Start() error {
	dirs := make(map[string]bool)
	for path := range w.tracked {
		dirs[filepath.Dir(path)] = true
	}
	for dir := range dirs {
		w.logger.Info("Watching directory", "dir", dir)
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
	}

	w.wg.Add(1)
	go w.watchLoop()
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Atomic saves show up as Create (or Rename onto the path).
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || !w.tracked[abs] {
				continue
			}
			w.changesMu.Lock()
			w.changes[abs] = time.Now()
			w.changesMu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		case <-ticker.C:
			w.processChanges()
		}
	}
}

// processChanges reports files that have been quiet for the debounce period
func (w *Watcher) processChanges() {
	now := time.Now()
	var ready []string

	w.changesMu.Lock()
	for file, changed := range w.changes {
		if now.Sub(changed) >= w.debounce {
			ready = append(ready, file)
			delete(w.changes, file)
		}
	}
	w.changesMu.Unlock()

	for _, file := range ready {
		w.logger.Info("File changed", "file", file)
		w.notify(file)
	}
}

func (w *Watcher) notify(file string) {
	w.callbacksMu.RLock()
	defer w.callbacksMu.RUnlock()
	for _, cb := range w.callbacks {
		cb(file)
	}
}
