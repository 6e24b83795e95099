package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Callback is called with the new configuration after a successful reload.
type Callback func(*Config)

// Watcher watches the configuration file and reloads it on change. A reload
// that fails to parse or validate keeps the previous configuration; the
// gateway never runs on a half-applied config.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	callback Callback
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.RWMutex
	last    *Config
	running bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewWatcher creates a configuration watcher.
func NewWatcher(path string, callback Callback, logger *zap.Logger) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		path:      absPath,
		watcher:   fsWatcher,
		callback:  callback,
		logger:    logger,
		debounce:  100 * time.Millisecond,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Start loads the initial configuration and begins watching. Watching the
// directory rather than the file survives the rename dance editors and
// configmap mounts do on update.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.last = cfg
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.logger.Info("watching configuration file", zap.String("path", w.path))
	go w.watch(ctx)
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh
	return w.watcher.Close()
}

// Last returns the last successfully loaded configuration.
func (w *Watcher) Last() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	w.last = cfg
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", zap.String("path", w.path))
	if w.callback != nil {
		w.callback(cfg)
	}
}
