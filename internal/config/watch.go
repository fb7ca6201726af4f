package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/szibis/metrics-relay/internal/logging"
)

// DefaultWatchDebounce collapses the burst of events an editor or a
// configmap update produces into one change.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watch calls onChange after path was written, created or replaced, at most
// once per debounce window. The parent directory is watched so atomic
// renames and symlink swaps are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	logging.Info("watching config file", logging.F("path", abs))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev, abs, dir) {
				continue
			}
			logging.Debug("config file event", logging.F("path", ev.Name, "op", ev.Op.String()))
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", logging.F("error", err.Error()))

		case <-timer.C:
			onChange()
		}
	}
}

// relevant reports whether ev may have changed the file at abs. Kubernetes
// mounts swap a ..data symlink in dir instead of touching the file.
func relevant(ev fsnotify.Event, abs, dir string) bool {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == abs || name == filepath.Join(dir, "..data")
}
