package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Watcher signals when a file-backed manifest changes on disk. The parent
// directory is watched so that editors and publishers replacing the file by
// rename are observed too.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	debounce  time.Duration
	logger    *slog.Logger
}

// NewWatcher starts watching path. A non-positive debounce uses 500ms.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("manifest: watch path is empty")
	}
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: resolving watch path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: creating watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("manifest: watching %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		path:      abs,
		debounce:  debounce,
		logger:    logger,
	}, nil
}

// WatchSource returns a watcher for file-backed sources and false for any
// other source kind.
func WatchSource(src Source, debounce time.Duration, logger *slog.Logger) (*Watcher, bool, error) {
	fileSrc, ok := src.(*FileSource)
	if !ok {
		return nil, false, nil
	}
	w, err := NewWatcher(fileSrc.Path, debounce, logger)
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}

// Run calls onChange once per burst of writes to the manifest file and
// blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
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
			return ctx.Err()
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("manifest watcher error", "path", w.path, "error", err)
		case <-timerCh:
			timerCh = nil
			w.logger.Debug("manifest changed on disk", "path", w.path)
			onChange()
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsWatcher.Close()
}
