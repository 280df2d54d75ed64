package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the store when the rule file changes on disk.
// The parent directory is watched because editors and config-map mounts replace files
// by rename rather than writing in place.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	file    string
	reload  func() (bool, error)
	logger  *zap.Logger
}

type WatcherOption func(*Watcher)

// WithReloadFunc replaces Store.Reload, e.g. to emit an event on every reload.
func WithReloadFunc(fn func() (bool, error)) WatcherOption {
	return func(w *Watcher) { w.reload = fn }
}

func NewWatcher(store *Store, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	if store.Path() == "" {
		return nil, fmt.Errorf("rules: no rule file configured")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules: create watcher: %w", err)
	}
	abs, err := filepath.Abs(store.Path())
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules: watch %s: %w", filepath.Dir(abs), err)
	}
	rw := &Watcher{store: store, watcher: w, file: abs, reload: store.Reload, logger: logger.Named("rules-watcher")}
	for _, opt := range opts {
		opt(rw)
	}
	return rw, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.file {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if changed, err := w.reload(); err == nil && changed {
					w.logger.Info("rule file reloaded", zap.String("file", w.file))
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
