package bus

import (
	"context"
	"sort"
	"sync"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event // toolID -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ToolID] = append(s.events[event.ToolID], event)
	return nil
}

func (s *MemEventStore) List(_ context.Context, toolID string, afterSeq uint64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for _, e := range s.events[toolID] {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, toolID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	scan := func(events []Event) {
		for _, e := range events {
			if e.Seq > maxSeq {
				maxSeq = e.Seq
			}
		}
	}
	if toolID != "" {
		scan(s.events[toolID])
		return maxSeq, nil
	}
	for _, events := range s.events {
		scan(events)
	}
	return maxSeq, nil
}

func (s *MemEventStore) LatestOfKind(_ context.Context, kind EventKind) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for toolID, events := range s.events {
		if toolID == "" {
			continue
		}
		var latest *Event
		for i := range events {
			if events[i].Kind != kind {
				continue
			}
			if latest == nil || events[i].Seq > latest.Seq {
				latest = &events[i]
			}
		}
		if latest != nil {
			result = append(result, *latest)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ToolID < result[j].ToolID })
	return result, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
