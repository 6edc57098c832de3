package fsbus

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForFile blocks until path exists with non-zero size, the context is
// done, or an unrecoverable watch error occurs. It prefers inotify events on
// the parent directory and keeps a ticker poll as fallback, since the writer
// may rename the file into place from another filesystem or the directory may
// not be watchable at all.
func WaitForFile(ctx context.Context, path string, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if present(path) {
		return nil
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
		}
	}

	// Re-check after installing the watch: the file may have appeared in
	// between and would never produce an event.
	if present(path) {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case ev := <-events:
			if ev.Name == path && present(path) {
				return nil
			}
		case <-ticker.C:
			if present(path) {
				return nil
			}
		}
	}
}

func present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
