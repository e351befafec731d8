package intercept

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadDebounce folds the burst of events one save produces into one reload.
const reloadDebounce = 100 * time.Millisecond

// Watch reloads the policy file at path whenever it is written or replaced
// and passes the new policy to onChange. The parent directory is watched so a
// save that renames a temporary file over path keeps being noticed. A file
// that fails to load is logged and the previous policy stays active. Watch
// returns when ctx is done.
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(Policy)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	logger.Info("watching interception policy", zap.String("path", target))

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			p, err := LoadFile(target)
			if err != nil {
				logger.Error("policy reload failed, keeping previous policy",
					zap.String("path", target), zap.Error(err))
				continue
			}
			logger.Info("interception policy reloaded", zap.String("path", target))
			onChange(p)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}
