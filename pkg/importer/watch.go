package importer

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teivault/teivault/internal/logger"
)

// watchDebounce batches bursts of filesystem events (editors write
// several times per save) into one import pass.
const watchDebounce = 2 * time.Second

// Watch runs an initial import of root and then re-imports whenever
// files under it change, until ctx is cancelled. Already imported
// files are skipped by the importer's dedup guard, so repeated passes
// are cheap.
func (imp *Importer) Watch(ctx context.Context, root string, opts Options) error {
	if _, err := imp.Run(ctx, root, opts); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addRecursive(watcher, root); err != nil {
		return err
	}
	logger.Info("watching for new files", logger.KeyPath, root)

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(ev.Name), ".") {
				continue
			}
			// New directories need their own watch.
			if ev.Op&fsnotify.Create != 0 {
				_ = addRecursive(watcher, ev.Name)
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", logger.Err(err))

		case <-fire:
			timer = nil
			if _, err := imp.Run(ctx, root, opts); err != nil {
				logger.Error("watch import failed", logger.Err(err))
			}
		}
	}
}

// addRecursive watches dir and every subdirectory. Non-directories
// are ignored.
func addRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // transient; the entry may already be gone
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && p != dir {
			return filepath.SkipDir
		}
		return watcher.Add(p)
	})
}
