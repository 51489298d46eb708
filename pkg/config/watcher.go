package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultDebounce collapses the burst of events editors emit for a single save.
const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the config file whenever it changes on disk and hands the parsed flag values to a callback.
// Files that fail to parse are logged and ignored; the previous values stay in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(map[ /*flagName*/ string] /*flagValue*/ string)
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the directory holding `path`, so atomic saves through rename are observed too.
func NewWatcher(path string, onReload func(map[string]string)) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}
	return &Watcher{
		path:     absPath,
		watcher:  fsWatcher,
		onReload: onReload,
		debounce: defaultDebounce,
		logger:   slog.Default().With("component", "config_watcher", "path", absPath),
	}, nil
}

// Run delivers reloads until ctx is cancelled, then releases the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	var debounceTimer *time.Timer
	var debounced <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			// Only react to writes and creations of our config file.
			if filepath.Clean(event.Name) != w.path || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
			} else {
				debounceTimer.Reset(w.debounce)
			}
			debounced = debounceTimer.C
		case <-debounced:
			debounced = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Config watcher error.", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	values, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload config, keeping previous values.", "error", err)
		return
	}
	w.logger.Info("Reloaded config.", "flags", len(values))
	w.onReload(values)
}
