// Package bus distributes catalog events. Components publish status
// transitions, session output and refresh outcomes, and observers such as
// the CLI, the event journal and telemetry subscribe to them without the
// engine knowing about any of them.
package bus

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event Event)

	// Subscribe registers a subscriber for a single tool.
	// Returns a Subscription that must be closed when done.
	Subscribe(toolID string) Subscription

	// SubscribeAll registers a subscriber that receives every event.
	// Returns a Subscription that must be closed when done.
	SubscribeAll() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription. It is
	// closed when the subscription or the bus is closed.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}
