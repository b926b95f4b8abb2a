package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/featherbox/featherbox/pkg/telemetry"
)

// Watcher reloads the configuration whenever its file changes on disk.
// Editors commonly replace rather than rewrite files, so the watch is on the
// parent directory and events are debounced before the reload fires.
type Watcher struct {
	path     string
	logger   *telemetry.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(path string, logger *telemetry.Logger) *Watcher {
	return &Watcher{
		path:     path,
		logger:   logger.NewComponentLogger("config-watcher"),
		debounce: 500 * time.Millisecond,
	}
}

// Watch blocks until the context is cancelled, invoking onChange with the
// freshly loaded configuration after each change. A change that fails to load
// or validate is logged and discarded; the previous configuration stays
// active.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target, err := filepath.Abs(w.path)
	if err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil || abs != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("watch error")

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.WithError(err).Warn("ignoring invalid config change")
				continue
			}
			w.logger.Info("configuration reloaded")
			onChange(cfg)
		}
	}
}
