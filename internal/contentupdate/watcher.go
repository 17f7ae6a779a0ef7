package contentupdate

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Publisher is the subset of Bus used by FileWatcher.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload map[string]any) bool
}

// FileWatcher publishes an event of Kind whenever Path changes on disk.
// Editors often write a file in several steps, so changes are debounced.
type FileWatcher struct {
	Path     string
	Kind     string
	Debounce time.Duration

	publisher Publisher
	logger    *zap.Logger
}

func NewFileWatcher(path, kind string, publisher Publisher, logger *zap.Logger) *FileWatcher {
	return &FileWatcher{
		Path:      path,
		Kind:      kind,
		Debounce:  300 * time.Millisecond,
		publisher: publisher,
		logger:    logger,
	}
}

// Run watches the file's directory until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.Path)
	file := filepath.Base(w.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.Info("watching file for content updates",
		zap.String("path", w.Path),
		zap.String("kind", w.Kind),
	)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
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

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.Debounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			ok := w.publisher.Publish(ctx, w.Kind, map[string]any{
				"source": "file",
				"path":   w.Path,
			})
			w.logger.Info("file change published",
				zap.String("path", w.Path),
				zap.Bool("published", ok),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watch error", zap.String("path", w.Path), zap.Error(err))
		}
	}
}
