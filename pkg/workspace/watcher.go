package workspace

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ternarybob/arbor"
)

// DefaultDebounce is how long the settings file must stay quiet before a
// change is applied. Editors often write a file in several steps.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a FileSettings when its file changes on disk.
type Watcher struct {
	settings *FileSettings
	watcher  *fsnotify.Watcher
	logger   arbor.ILogger
	debounce time.Duration
	onChange func(Values)

	running bool
	stopCh  chan struct{}
	mu      sync.Mutex

	pendingMu sync.Mutex
	pending   time.Time
}

// NewWatcher creates a watcher for settings. onChange, if set, is called
// with the new values after every successful reload.
func NewWatcher(settings *FileSettings, logger arbor.ILogger, onChange func(Values)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		settings: settings,
		watcher:  fsWatcher,
		logger:   logger,
		debounce: DefaultDebounce,
		onChange: onChange,
		stopCh:   make(chan struct{}),
	}, nil
}

// SetDebounce overrides the quiet period. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. The directory is watched rather than the file so
// that atomic-rename saves are seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.settings.Path())); err != nil {
		return fmt.Errorf("watch %s: %w", w.settings.Path(), err)
	}
	w.running = true

	go w.processEvents()
	go w.processDebounced()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

// IsRunning returns whether the watcher is active.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	target := filepath.Clean(w.settings.Path())
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.pendingMu.Lock()
			w.pending = time.Now()
			w.pendingMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Str("path", target).Msg("Settings watcher error")
		}
	}
}

func (w *Watcher) processDebounced() {
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.applyPending()
		}
	}
}

func (w *Watcher) applyPending() {
	w.pendingMu.Lock()
	ts := w.pending
	if ts.IsZero() || time.Since(ts) < w.debounce {
		w.pendingMu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.pendingMu.Unlock()

	if err := w.settings.Reload(); err != nil {
		w.logger.Warn().Err(err).Str("path", w.settings.Path()).Msg("Settings reload failed, keeping previous values")
		return
	}
	values := w.settings.Values()
	w.logger.Info().
		Str("path", w.settings.Path()).
		Str("scheme", values.Scheme).
		Str("device", values.Device.String()).
		Msg("Settings reloaded")
	if w.onChange != nil {
		w.onChange(values)
	}
}
