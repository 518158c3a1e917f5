package endpoint

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForWrite blocks until path is written or created, timeout elapses or
// ctx is done, whichever comes first. It returns true only for a write.
// The parent directory is watched so a log that does not exist yet is
// picked up once the tunnel creates it. If the watcher cannot be set up it
// degrades to a plain sleep.
func WaitForWrite(ctx context.Context, path string, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("log watcher unavailable, sleeping instead", "path", path, "error", err)
		sleep(ctx, t)
		return false
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		slog.Debug("cannot watch log directory, sleeping instead", "path", path, "error", err)
		sleep(ctx, t)
		return false
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return false
		case ev, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				return true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false
			}
			slog.Debug("log watcher error", "path", path, "error", err)
		}
	}
}

func sleep(ctx context.Context, t *time.Timer) {
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
