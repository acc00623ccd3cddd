package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wopr-net/wopr/internal/config"
)

// ConfigReloader watches the security config file and hot-reloads the
// store when it changes.
type ConfigReloader struct {
	watcher *fsnotify.Watcher
	store   *config.Store
	path    string
	log     *slog.Logger
}

// NewConfigReloader creates a watcher for the directory holding path.
// Watching the directory rather than the file survives editors and
// tooling that replace the file via rename.
func NewConfigReloader(store *config.Store, path string, log *slog.Logger) (*ConfigReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}
	return &ConfigReloader{
		watcher: watcher,
		store:   store,
		path:    path,
		log:     log,
	}, nil
}

// Run watches for config changes and reloads. Blocks until ctx is cancelled.
func (r *ConfigReloader) Run(ctx context.Context) error {
	defer r.watcher.Close()

	// Debounce: wait 500ms after last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					prev := r.store.Hash()
					r.store.Reload()
					if cur := r.store.Hash(); cur != prev {
						r.log.Info("security config reloaded", "hash", cur)
					}
				})
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("config watcher error", "error", err)
		}
	}
}
