package engine

import (
	"context"
	"errors"
	"time"

	"github.com/petal-labs/toolcatalog/manifest"
)

// ErrNotWatchable is returned by WatchManifest for sources that are not
// local files.
var ErrNotWatchable = errors.New("engine: manifest source cannot be watched")

// WatchManifest refreshes the catalog whenever a file-backed manifest
// changes on disk, until ctx is done. onRefresh observes each refresh and
// may be nil.
func (e *Engine) WatchManifest(ctx context.Context, debounce time.Duration, onRefresh func(Snapshot, error)) error {
	w, ok, err := manifest.WatchSource(e.repo.Source(), debounce, e.logger)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotWatchable
	}
	defer w.Close()

	e.logger.Info("watching manifest", "source", e.repo.Location())
	err = w.Run(ctx, func() {
		snap, err := e.Refresh(ctx)
		if err != nil {
			e.logger.Warn("refresh after manifest change failed", "error", err)
		}
		if onRefresh != nil {
			onRefresh(snap, err)
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
