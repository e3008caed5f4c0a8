package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/termstream/errors"
)

// Watcher reloads configuration when a layer file changes
type Watcher struct {
	loader  *Loader
	current *SafeConfig
	logger  *slog.Logger
	// debounce collapses editor save bursts into one reload.
	debounce time.Duration

	mu       sync.RWMutex
	onChange []func(*Config)
}

// NewWatcher creates a watcher that reloads through loader into current
func NewWatcher(loader *Loader, current *SafeConfig, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		loader:   loader,
		current:  current,
		logger:   logger.With("component", "config-watcher"),
		debounce: 100 * time.Millisecond,
	}
}

// OnChange registers a callback invoked after every successful reload
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-runs the loader, swaps the live config and notifies callbacks.
// A config that fails to load or validate leaves the live one untouched.
func (w *Watcher) Reload() (*Config, error) {
	cfg, err := w.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := w.current.Update(cfg); err != nil {
		return nil, err
	}

	w.mu.RLock()
	callbacks := make([]func(*Config), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.RUnlock()

	for _, fn := range callbacks {
		fn(w.current.Get())
	}
	return cfg, nil
}

// Run watches the directories of every layer until ctx is done. Directories
// are watched instead of files so atomic rename-on-save is seen.
func (w *Watcher) Run(ctx context.Context) error {
	layers := w.loader.Layers()
	if len(layers) == 0 {
		<-ctx.Done()
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "Watcher", "Run", "create fsnotify watcher")
	}
	defer fw.Close()

	watched := make(map[string]bool, len(layers))
	dirs := make(map[string]bool)
	for _, path := range layers {
		abs, err := filepath.Abs(path)
		if err != nil {
			return errors.Wrap(err, "Watcher", "Run", "resolve "+path)
		}
		watched[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return errors.Wrap(err, "Watcher", "Run", "watch "+dir)
		}
		dirs[dir] = true
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !watched[abs] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			if _, err := w.Reload(); err != nil {
				w.logger.Warn("Config reload rejected, keeping current config", "error", err)
				continue
			}
			w.logger.Info("Config reloaded")
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}
