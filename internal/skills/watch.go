package skills

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch invalidates the registry caches when skill files change on disk.
// Blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, dir := range []string{r.workspaceDir, r.builtinDir} {
		if dir == "" {
			continue
		}
		if err := watcher.Add(dir); err != nil {
			slog.Warn("skills: watch failed", "dir", dir, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				slog.Debug("skills: change detected", "path", event.Name, "op", event.Op.String())
				r.invalidate()
				// New skill directories need their own watch.
				if event.Op&fsnotify.Create != 0 {
					_ = watcher.Add(event.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("skills: watcher error", "error", err)
		}
	}
}
