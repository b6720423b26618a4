package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/cache"
	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/manifest"
	"github.com/petal-labs/toolcatalog/status"
)

// Snapshot is an immutable view of the catalog.
type Snapshot struct {
	SchemaVersion string              `json:"schemaVersion"`
	FetchedAt     time.Time           `json:"fetchedAt"`
	FromLastKnown bool                `json:"fromLastKnown"`
	Offline       bool                `json:"offline"`
	Warnings      []string            `json:"warnings,omitempty"`
	Categories    []manifest.Category `json:"categories"`
	Tools         []ToolView          `json:"tools"`
}

// ToolView is one tool in a Snapshot.
type ToolView struct {
	Descriptor    manifest.ToolDescriptor `json:"descriptor"`
	State         status.State            `json:"state"`
	CachedVersion string                  `json:"cachedVersion,omitempty"`
	SessionID     string                  `json:"sessionId,omitempty"`
	LastResult    *status.Result          `json:"lastResult,omitempty"`
}

// Tool returns the view of id.
func (s Snapshot) Tool(id string) (ToolView, bool) {
	for _, t := range s.Tools {
		if t.Descriptor.ID == id {
			return t, true
		}
	}
	return ToolView{}, false
}

// ToolsIn returns the tools of a category in manifest order.
func (s Snapshot) ToolsIn(categoryID string) []ToolView {
	var out []ToolView
	for _, t := range s.Tools {
		if t.Descriptor.CategoryID == categoryID {
			out = append(out, t)
		}
	}
	return out
}

// Refresh fetches the manifest and reconciles every tool against the cache.
//
// An unreachable source is not an error: the last-known manifest is kept,
// the snapshot is marked offline with a warning, and tools with nothing
// cached become UnavailableOffline. An invalid manifest is rejected, the
// previous one is kept, and the validation error is returned together with
// the snapshot.
func (e *Engine) Refresh(ctx context.Context) (Snapshot, error) {
	previous, _ := e.repo.Current()

	fetched, err := e.repo.Fetch(ctx)
	switch {
	case err == nil:
		e.setRefreshState(refreshState{})
		changes := manifest.Diff(previous.Manifest, &fetched)
		removed := e.reconcile(&fetched, false)
		e.emit(bus.Event{
			Kind: bus.EventRefreshCompleted,
			Payload: map[string]any{
				"schema_version": fetched.SchemaVersion,
				"tools":          len(fetched.Tools),
				"offline":        false,
				"added":          changes.Added,
				"removed":        changes.Removed,
				"changed":        changes.VersionChanged,
				"evicted":        removed,
			},
		})
		e.logger.Info("catalog refreshed",
			"tools", len(fetched.Tools),
			"added", len(changes.Added),
			"removed", len(changes.Removed),
			"changed", len(changes.VersionChanged),
		)
		return e.Snapshot(), nil

	case errors.Is(err, catalog.ErrNetwork):
		warning := "manifest unreachable, using last-known catalog: " + err.Error()
		if previous.Manifest == nil {
			warning = "manifest unreachable and no catalog is known: " + err.Error()
		}
		e.setRefreshState(refreshState{offline: true, warnings: []string{warning}})
		tools := 0
		if previous.Manifest != nil {
			e.reconcile(previous.Manifest, true)
			tools = len(previous.Manifest.Tools)
		}
		e.emit(bus.Event{
			Kind: bus.EventRefreshCompleted,
			Payload: map[string]any{
				"tools":      tools,
				"offline":    true,
				"error_code": catalog.CodeNetwork,
				"error":      err.Error(),
			},
		})
		e.logger.Warn("catalog refresh offline", "error", err)
		return e.Snapshot(), nil

	case errors.Is(err, catalog.ErrValidation):
		e.emit(bus.Event{
			Kind: bus.EventRefreshFailed,
			Payload: map[string]any{
				"error_code": catalog.CodeValidation,
				"error":      err.Error(),
			},
		})
		e.logger.Error("rejected invalid manifest", "error", err)
		return e.Snapshot(), err

	default:
		e.emit(bus.Event{
			Kind: bus.EventRefreshFailed,
			Payload: map[string]any{
				"error_code": catalog.CodeOf(err),
				"error":      err.Error(),
			},
		})
		return e.Snapshot(), err
	}
}

func (e *Engine) setRefreshState(st refreshState) {
	e.mu.Lock()
	e.refresh = st
	e.mu.Unlock()
}

// reconcile aligns every tool of m with the cache and drops tools that left
// the manifest, unless they are in flight. It returns the dropped ids.
func (e *Engine) reconcile(m *manifest.Manifest, offline bool) []string {
	for _, desc := range m.Tools {
		presence, _ := e.presence(desc)
		if _, err := e.tracker.Reconcile(desc.ID, presence, offline); err != nil {
			e.logger.Warn("reconcile failed", "tool_id", desc.ID, "error", err)
		}
	}

	var dropped []string
	for _, st := range e.tracker.Snapshot() {
		if _, ok := m.Tool(st.ToolID); ok {
			continue
		}
		e.mu.Lock()
		_, busy := e.inflight[st.ToolID]
		e.mu.Unlock()
		if busy {
			continue
		}
		if err := e.tracker.Forget(st.ToolID); err != nil {
			e.logger.Warn("forget failed", "tool_id", st.ToolID, "error", err)
			continue
		}
		if err := e.cache.Evict(st.ToolID); err != nil {
			e.logger.Warn("evicting removed tool", "tool_id", st.ToolID, "error", err)
		}
		dropped = append(dropped, st.ToolID)
	}
	return dropped
}

// Snapshot returns the current catalog view without touching the network.
// Cached versions come from the cache index and are not re-hashed.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	st := e.refresh
	e.mu.Unlock()

	snap := Snapshot{
		Offline:  st.offline,
		Warnings: slices.Clone(st.warnings),
	}
	loaded, ok := e.repo.Current()
	if !ok {
		return snap
	}
	snap.SchemaVersion = loaded.Manifest.SchemaVersion
	snap.FetchedAt = loaded.FetchedAt
	snap.FromLastKnown = loaded.FromLastKnown
	snap.Categories = slices.Clone(loaded.Manifest.Categories)

	cached := make(map[string]cache.Entry)
	if entries, err := e.cache.List(); err != nil {
		e.logger.Warn("listing cache", "error", err)
	} else {
		for _, entry := range entries {
			cached[entry.ToolID] = entry
		}
	}

	snap.Tools = make([]ToolView, 0, len(loaded.Manifest.Tools))
	for _, desc := range loaded.Manifest.Tools {
		view := ToolView{Descriptor: desc}
		if ts, ok := e.tracker.Get(desc.ID); ok {
			view.State = ts.State
			view.SessionID = ts.SessionID
			view.LastResult = ts.LastResult
		}
		if entry, ok := cached[desc.ID]; ok {
			view.CachedVersion = entry.Version
		}
		snap.Tools = append(snap.Tools, view)
	}
	return snap
}
