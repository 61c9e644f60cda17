package loader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tollgate/tollgate/pkg/registry"
)

// ReloadFunc receives a freshly loaded, frozen registry set.
type ReloadFunc func(set *registry.Set, report *Report)

// DefaultDebounce is how long Watch waits after the last change before
// reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watch reloads every layer when a handler source under the bundled, project
// or override directories changes, and hands the new set to fn. It returns
// once the watcher is running; watching stops when ctx is done.
func (l *Loader) Watch(ctx context.Context, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	roots := l.watchRoots()
	for _, root := range roots {
		if err := addRecursive(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch directory")
		}
	}

	go l.processEvents(ctx, watcher, fn, DefaultDebounce)

	l.logger.Info().
		Strs("paths", roots).
		Msg("Started watching handler sources")
	return nil
}

// watchRoots returns the existing top-level directories of every layer.
func (l *Loader) watchRoots() []string {
	var candidates []string
	if l.opts.BundledDir != "" {
		for _, ext := range l.opts.Extensions {
			candidates = append(candidates, filepath.Join(l.opts.BundledDir, ext))
		}
	}
	if root := l.ProjectRoot(); root != "" {
		candidates = append(candidates, filepath.Join(root, ProjectDirName))
	}

	var roots []string
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			roots = append(roots, c)
		}
	}
	return roots
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// processEvents debounces file events and triggers reloads.
func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, fn ReloadFunc, delay time.Duration) {
	defer watcher.Close()

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addRecursive(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !isSourceFile(filepath.Base(event.Name)) {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Handler source changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(delay, func() {
				l.triggerReload(ctx, fn)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// triggerReload builds a new set. A failed strict load keeps the old set.
func (l *Loader) triggerReload(ctx context.Context, fn ReloadFunc) {
	if ctx.Err() != nil {
		return
	}
	l.logger.Info().Msg("Reloading handlers...")

	set, report, err := l.Load(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to reload handlers; keeping the previous set")
		return
	}
	fn(set, report)
}
