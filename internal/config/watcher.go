package config

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a config file on change and hands the result to onReload.
// The gateway uses it to pick up replica-count edits without a restart.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onReload func(*Config, error)
	current  *Config
	mu       sync.RWMutex
	reloads  atomic.Uint32
	stop     chan struct{}
	stopOnce sync.Once
}

func NewWatcher(path string, logger *zap.Logger, onReload func(*Config, error)) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		logger:   logger,
		onReload: onReload,
		stop:     make(chan struct{}),
	}

	cfg, err := LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}
	w.current = cfg

	go w.watch()

	return w, nil
}

func (w *Watcher) watch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("Failed to create file watcher", zap.Error(err))
		return
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		w.logger.Error("Failed to watch config file",
			zap.String("path", w.path), zap.Error(err))
		return
	}

	var timer *time.Timer
	const debounce = 500 * time.Millisecond

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, w.reload)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	count := w.reloads.Add(1)

	cfg, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload config",
			zap.String("path", w.path), zap.Error(err))
		w.onReload(nil, err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Config reloaded",
		zap.String("path", w.path), zap.Uint32("count", count))
	w.onReload(cfg, nil)
}

// Snapshot returns the most recently loaded config.
func (w *Watcher) Snapshot() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) ReloadCount() uint32 {
	return w.reloads.Load()
}

func (w *Watcher) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
