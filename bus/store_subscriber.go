package bus

import (
	"context"
	"log/slog"
	"sync"
)

// StoreSubscriber journals events to an EventStore. Its Handle method is a
// Handler for the engine's emit chain.
//
// A failing store is reported once at error level. Later failures are
// logged at debug until an append succeeds again.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger

	mu      sync.Mutex
	failing bool
	dropped uint64
}

// NewStoreSubscriber creates a new StoreSubscriber.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSubscriber{
		store:  store,
		logger: logger,
	}
}

// Handle persists a single event to the store.
func (s *StoreSubscriber) Handle(event Event) {
	err := s.store.Append(context.Background(), event)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if s.failing {
			s.logger.Info("event journal recovered", "dropped", s.dropped)
			s.failing = false
			s.dropped = 0
		}
		return
	}
	s.dropped++
	attrs := []any{
		"tool_id", event.ToolID,
		"session_id", event.SessionID,
		"kind", event.Kind,
		"seq", event.Seq,
		"error", err,
	}
	if s.failing {
		s.logger.Debug("event not journaled", attrs...)
		return
	}
	s.failing = true
	s.logger.Error("event journal unavailable", attrs...)
}

// Dropped reports how many events failed to persist since the journal last
// accepted one.
func (s *StoreSubscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
