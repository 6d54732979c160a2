package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskrelay/internal/shared/async"
	"taskrelay/internal/shared/logging"

	"github.com/fsnotify/fsnotify"
)

const defaultConfigWatchDebounce = 750 * time.Millisecond

// Watcher monitors the config file and reloads runtime settings on change.
type Watcher struct {
	path     string
	runtime  *Runtime
	logger   logging.Logger
	debounce time.Duration
	load     func(path string) (Config, error)
	onReload func(Config)

	mu       sync.Mutex
	timer    *time.Timer
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption customizes watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce window for reloads.
func WithWatchDebounce(debounce time.Duration) WatcherOption {
	return func(w *Watcher) {
		if debounce > 0 {
			w.debounce = debounce
		}
	}
}

// WithWatchLogger sets the logger for watcher diagnostics.
func WithWatchLogger(logger logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logging.OrNop(logger)
	}
}

// WithReloadHook runs fn with every successfully reloaded config.
func WithReloadHook(fn func(Config)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher constructs a watcher for the config path.
func NewWatcher(path string, runtime *Runtime, opts ...WatcherOption) (*Watcher, error) {
	if runtime == nil {
		return nil, fmt.Errorf("runtime settings required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)

	w := &Watcher{
		path:     path,
		runtime:  runtime,
		logger:   logging.NewComponentLogger("ConfigWatcher"),
		debounce: defaultConfigWatchDebounce,
		load:     func(p string) (Config, error) { return Load(p, WithoutDotEnv()) },
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching the config file's directory.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fsWatcher
	w.mu.Unlock()

	// Editors replace files atomically, so watch the directory.
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		_ = fsWatcher.Close()
		w.mu.Lock()
		w.watcher = nil
		w.mu.Unlock()
		return err
	}

	async.Go(w.logger, "config.watch", func() { w.watchLoop(fsWatcher) })
	if ctx != nil {
		async.Go(w.logger, "config.watch.ctx", func() {
			select {
			case <-ctx.Done():
				w.Stop()
			case <-w.stopCh:
			}
		})
	}
	return nil
}

// Stop terminates the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			_ = w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) watchLoop(fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(event.Name) != w.path {
		return
	}
	w.scheduleReload()
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		cfg, err := w.load(w.path)
		if err != nil {
			w.logger.Warn("Config reload failed, keeping previous settings: %v", err)
			return
		}
		w.runtime.Replace(SettingsFrom(cfg))
		w.logger.Info("Config reloaded from %s", w.path)
		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
}
