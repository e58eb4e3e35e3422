package syncer

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchLocal triggers a sync cycle whenever the local database file
// changes, so edits made by another process on the same machine are
// pushed promptly instead of waiting for the interval. Events are
// debounced because a single write burst touches the db and its WAL
// several times.
func (s *Syncer) WatchLocal(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dbPath := s.local.Path()
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		return err
	}
	watched := map[string]struct{}{
		dbPath:          {},
		dbPath + "-wal": {},
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if _, relevant := watched[event.Name]; !relevant {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			s.logger.Debug("local database changed, scheduling sync")
			s.Trigger()
		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("file watch error", zap.Error(watchErr))
		}
	}
}
