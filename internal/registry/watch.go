package registry

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 200 * time.Millisecond

// Watch reloads the catalog at path whenever it changes until ctx is done.
// onReload, when non-nil, receives each successfully applied catalog. Parse
// failures are logged and the previous table stays in effect.
func (r *Registry) Watch(ctx context.Context, path string, onReload func(*Catalog)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		fire := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			case <-fire:
				r.reload(path, onReload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (r *Registry) reload(path string, onReload func(*Catalog)) {
	c, err := LoadCatalog(path)
	if err != nil {
		r.logger.Warn("catalog reload failed", "path", path, "error", err)
		return
	}
	added, replaced, err := r.Apply(c)
	if err != nil {
		r.logger.Warn("catalog apply failed", "path", path, "error", err)
		return
	}
	r.logger.Info("catalog reloaded", "path", path, "added", added, "replaced", replaced)
	if onReload != nil {
		onReload(c)
	}
}
