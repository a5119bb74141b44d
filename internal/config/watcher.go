package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/emsgw/internal/observability"
)

// ReloadFunc receives each valid configuration loaded after a change.
type ReloadFunc func(*GatewayConfig)

// ErrorFunc receives load and validation errors during reload.
type ErrorFunc func(error)

// Watcher reloads the configuration file when it changes on disk.
//
// The parent directory is watched rather than the file so that editors
// and ConfigMap mounts that replace the file atomically are picked up.
type Watcher struct {
	path          string
	fs            *fsnotify.Watcher
	onReload      ReloadFunc
	onError       ErrorFunc
	logger        observability.Logger
	debounceDelay time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay coalesces bursts of file events.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounceDelay = delay }
}

// WithLogger sets the watcher logger.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithErrorCallback sets the reload error callback.
func WithErrorCallback(fn ErrorFunc) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		fs:            fsw,
		onReload:      onReload,
		logger:        observability.NopLogger(),
		debounceDelay: 200 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. It returns once the watch is registered.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("watching configuration file", observability.String("path", w.path))
	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.fs.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	return w.fs.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("configuration file changed",
				observability.String("op", event.Op.String()),
			)
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.NewTimer(w.debounceDelay)
			fire = debounce.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.fail("config watcher error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.fail("failed to load configuration", err)
		return
	}
	if err := ValidateConfig(cfg); err != nil {
		w.fail("configuration validation failed", err)
		return
	}

	w.logger.Info("configuration reloaded", observability.Int("services", len(cfg.Spec.Services)))
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

func (w *Watcher) fail(msg string, err error) {
	w.logger.Error(msg, observability.Error(err))
	if w.onError != nil {
		w.onError(err)
	}
}
