package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events an editor or secret
// rotator produces for one logical change.
const DefaultDebounce = 100 * time.Millisecond

// KeyWatcher reloads the API key file when it changes and hands the new key
// to a callback.
type KeyWatcher struct {
	path     string
	onChange func(key string)
	debounce time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	timer *time.Timer
	last  string
}

// WatcherOption configures a KeyWatcher.
type WatcherOption func(*KeyWatcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *KeyWatcher) { w.log = l }
}

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *KeyWatcher) { w.debounce = d }
}

// NewKeyWatcher returns a watcher for path. current is the key already in
// use; reloads that yield the same key are not reported.
func NewKeyWatcher(path, current string, onChange func(key string), opts ...WatcherOption) *KeyWatcher {
	w := &KeyWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		debounce: DefaultDebounce,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		last:     current,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx ends. The parent directory is watched rather than
// the file so that replace-by-rename updates are seen.
func (w *KeyWatcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.log.InfoContext(ctx, "config.key_watch.start", slog.String("path", w.path))

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "config.key_watch.error", slog.String("err", err.Error()))
		}
	}
}

func (w *KeyWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *KeyWatcher) reload() {
	key, err := ReadKeyFile(w.path)
	if err != nil {
		// Keep serving the previous key.
		w.log.Warn("config.key_reload.fail", slog.String("err", err.Error()))
		return
	}

	w.mu.Lock()
	changed := key != w.last
	w.last = key
	w.mu.Unlock()

	if !changed {
		return
	}
	w.log.Info("config.key_reload.ok")
	w.onChange(key)
}
