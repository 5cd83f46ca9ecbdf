package settings

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SeedWatcher re-applies a seed file whenever it changes on disk.
type SeedWatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	// OnApplied, if set, is called after every successful re-apply.
	OnApplied func()
}

// NewSeedWatcher starts watching path. Changes are only acted on once Run
// is called.
func NewSeedWatcher(gdb *gorm.DB, log *zap.Logger, path string) (*SeedWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &SeedWatcher{db: gdb, log: log, path: path, watcher: watcher}, nil
}

// Run applies the file on every write until ctx is done. A file that fails
// to parse or apply is logged and skipped; rows from earlier applies stay.
func (w *SeedWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Editors that save atomically replace the file, which shows up
			// as Create rather than Write.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := ApplySeedFile(ctx, w.db, w.path); err != nil {
				w.log.Error("settings file reload failed", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.log.Info("settings file reloaded", zap.String("path", w.path))
			if w.OnApplied != nil {
				w.OnApplied()
			}

			// Re-add in case an atomic save replaced the inode.
			_ = w.watcher.Add(w.path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("settings watcher error", zap.Error(err))
		}
	}
}
