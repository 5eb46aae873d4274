package classifier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events editors emit on save
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads the classifier when the pattern file changes
type Watcher struct {
	classifier *Classifier
	path       string
	logger     *zap.Logger
	watcher    *fsnotify.Watcher
	debounce   time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for path
func NewWatcher(c *Classifier, path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		classifier: c,
		path:       filepath.Clean(path),
		logger:     logger,
		watcher:    fw,
		debounce:   DefaultDebounce,
	}, nil
}

// SetDebounce sets the debounce period
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Start watches the file's directory so renames and atomic replaces are seen
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.handleEvents(ctx)

	w.logger.Info("pattern file watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends watching and waits for the event goroutine
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	if w.timer != nil {
		w.timer.Stop()
	}
	done := w.done
	w.mu.Unlock()

	w.watcher.Close()
	<-done
	w.logger.Info("pattern file watcher stopped")
}

func (w *Watcher) handleEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}
			if event.Has(fsnotify.Remove) {
				w.logger.Warn("pattern file removed; keeping current table", zap.String("path", w.path))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("pattern file watcher error", zap.Error(err))

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if err := w.classifier.LoadFile(w.path); err != nil {
		w.logger.Error("pattern file reload failed", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("pattern file reloaded", zap.String("path", w.path))
}
