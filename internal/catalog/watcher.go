package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog when its file changes on disk. Editors and the
// atomic save both replace the file (rename), so the watch is on the
// parent directory. Blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(c.path)); err != nil {
		return err
	}

	// Editors fire several events per save; debounce them into one reload.
	var pending *time.Timer
	reload := func() {
		if err := c.Reload(); err != nil {
			slog.Warn("catalog reload failed, keeping previous data", "error", err)
			return
		}
		slog.Info("catalog reloaded", "path", c.path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("catalog watcher error", "error", err)
		}
	}
}
