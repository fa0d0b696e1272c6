package catalog

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/pkg/catpath"
)

// DefaultDebounce is how long Watch waits for a burst of changes to settle.
const DefaultDebounce = 250 * time.Millisecond

// ErrNotWatchable is returned by Watch for sources without local paths.
var ErrNotWatchable = errors.New("source is not on the local filesystem")

// Watch rebuilds a pack's index whenever files below its root change. It
// blocks until ctx is done. debounce <= 0 uses DefaultDebounce.
func (c *Catalog) Watch(ctx context.Context, debounce time.Duration) error {
	lp, ok := c.src.(storage.LocalPather)
	if !ok {
		return ErrNotWatchable
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	rootDir := lp.LocalPath(c.root)
	if err := watchDirRecursive(watcher, rootDir); err != nil {
		c.logger.Error("failed to watch pack root", zap.String("dir", rootDir), zap.Error(err))
	}

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	schedule := func(pack string) {
		mu.Lock()
		defer mu.Unlock()
		if t, ok := timers[pack]; ok {
			t.Stop()
		}
		timers[pack] = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("pack changed, reloading", zap.String("pack", pack))
			if _, err := c.Reload(ctx, pack); err != nil {
				c.logger.Error("reload failed", zap.String("pack", pack), zap.Error(err))
			}
		})
	}

	c.logger.Info("watching packs", zap.String("dir", rootDir))
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchDirRecursive(watcher, event.Name)
				}
			}
			if pack, ok := c.packFor(rootDir, event.Name); ok {
				schedule(pack)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("watcher error", zap.Error(err))
		}
	}
}

// packFor maps a changed file to the pack whose directory contains it.
func (c *Catalog) packFor(rootDir, name string) (string, bool) {
	rel, err := filepath.Rel(rootDir, name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	dir := catpath.Join(c.root, strings.SplitN(filepath.ToSlash(rel), "/", 2)[0])

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.packs {
		if p.RootPath == dir {
			return p.Name, true
		}
	}
	return "", false
}

// watchDirRecursive adds a directory and all subdirectories to the watcher.
func watchDirRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
