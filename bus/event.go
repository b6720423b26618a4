package bus

import (
	"time"
)

// EventKind identifies a catalog event.
type EventKind string

const (
	// EventStatusChanged reports a tool lifecycle transition.
	// Payload: from, to, session_id, reason, detail.
	EventStatusChanged EventKind = "status.changed"
	// EventOutputLine carries one line of session output.
	// Payload: stream, text, line_seq.
	EventOutputLine EventKind = "output.line"
	// EventSessionStarted is emitted once the process is running.
	// Payload: version, args, pid.
	EventSessionStarted EventKind = "session.started"
	// EventSessionFinished carries the terminal result.
	// Payload: exit_code, reason, error_code, detail, duration_ms.
	EventSessionFinished EventKind = "session.finished"
	// EventDownloadStarted, EventDownloadFinished and EventDownloadFailed
	// bracket a payload download. Payload: version, size, content_hash, error_code, error.
	EventDownloadStarted  EventKind = "download.started"
	EventDownloadFinished EventKind = "download.finished"
	EventDownloadFailed   EventKind = "download.failed"
	// EventRefreshCompleted and EventRefreshFailed report a manifest refresh.
	// Payload: schema_version, tools, offline, added, removed, changed, error_code, error.
	EventRefreshCompleted EventKind = "refresh.completed"
	EventRefreshFailed    EventKind = "refresh.failed"
)

// Event is one observation published by the catalog engine. Tool-level
// events carry ToolID; refresh events leave it empty.
type Event struct {
	Kind      EventKind      `json:"kind"`
	ToolID    string         `json:"toolId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Time      time.Time      `json:"time"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`

	// TraceID and SpanID are set when tracing is active.
	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`
}

// NewEvent creates an event stamped with the current UTC time.
func NewEvent(kind EventKind, toolID string) Event {
	return Event{
		Kind:    kind,
		ToolID:  toolID,
		Time:    time.Now().UTC(),
		Payload: make(map[string]any),
	}
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// WithSession sets the session id.
func (e Event) WithSession(sessionID string) Event {
	e.SessionID = sessionID
	return e
}

// String returns a payload value as a string, or "" when absent.
func (e Event) String(key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Int returns a payload value as an int. JSON round trips turn numbers into
// float64, so both forms are accepted.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Handler processes events. Implementations can log, store, or forward
// events as needed.
type Handler func(Event)

// MultiHandler combines multiple handlers into one.
func MultiHandler(handlers ...Handler) Handler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelHandler returns a handler that sends events to a channel.
// Events are dropped if the channel is full.
func ChannelHandler(ch chan<- Event) Handler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
