package bus

import (
	"context"
)

// EventStore persists events for replay and crash recovery.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, event Event) error

	// List returns events for a tool in Seq order, optionally filtered.
	// An empty toolID selects catalog-level events such as refreshes.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, toolID string, afterSeq uint64, limit int) ([]Event, error)

	// LatestSeq returns the highest Seq for a tool (0 if no events). An
	// empty toolID returns the highest Seq across the whole store.
	LatestSeq(ctx context.Context, toolID string) (uint64, error)

	// LatestOfKind returns the most recent event of kind for every tool
	// that has one, ordered by tool id.
	LatestOfKind(ctx context.Context, kind EventKind) ([]Event, error)
}
