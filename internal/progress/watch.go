package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"airbcm/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the checkpoint contents every time the file changes,
// until ctx is done. The directory is watched rather than the file because
// saves replace it by rename. Bursts of events are coalesced.
func (t *Tracker) Watch(ctx context.Context, fn func(map[string]any)) error {
	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create progress directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	logging.ProgressDebug("Watching %s", t.path)

	const debounce = 100 * time.Millisecond
	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(t.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.ProgressWarn("Watcher error: %v", err)

		case <-timer.C:
			t.Reload()
			fn(t.State())
		}
	}
}
