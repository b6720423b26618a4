package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/toolcatalog/bus"
	"github.com/petal-labs/toolcatalog/sse"
)

// helper to create a test event with the given sequence number and kind.
func testEvent(toolID string, seq uint64, kind bus.EventKind) bus.Event {
	return bus.Event{
		Kind:      kind,
		ToolID:    toolID,
		SessionID: "session-1",
		Time:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"seq_val": float64(seq)},
		Seq:       seq,
	}
}

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line = end of message.
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
			continue
		}

		if strings.HasPrefix(line, ": ") {
			// Comment line (heartbeat).
			continue
		}

		if strings.HasPrefix(line, "id: ") {
			current.ID = strings.TrimPrefix(line, "id: ")
		} else if strings.HasPrefix(line, "event: ") {
			current.Event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}

	return msgs
}

// setupTestServer creates a test mux with the SSE handler registered.
func setupTestServer(store bus.EventStore, eb bus.EventBus, opts ...sse.Option) *httptest.Server {
	handler := sse.NewSSEHandler(store, eb, opts...)
	mux := http.NewServeMux()
	mux.Handle("GET /tools/{tool_id}/events", handler)
	return httptest.NewServer(mux)
}

// streamAsync issues the request and delivers the full body once the
// server closes the stream or ctx ends.
func streamAsync(ctx context.Context, t *testing.T, url string) <-chan string {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- ""
			return
		}
		defer resp.Body.Close()
		var body strings.Builder
		_, _ = io.Copy(&body, resp.Body)
		out <- body.String()
	}()
	return out
}

func appendAll(t *testing.T, store bus.EventStore, events ...bus.Event) {
	t.Helper()
	for _, e := range events {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSSEHandler_ReplayUntilFinished(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "disk-cleanup"
	appendAll(t, store,
		testEvent(toolID, 1, bus.EventStatusChanged),
		testEvent(toolID, 2, bus.EventSessionStarted),
		testEvent(toolID, 3, bus.EventOutputLine),
		testEvent(toolID, 4, bus.EventSessionFinished),
	)

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools/" + toolID + "/events?until=finished")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}

	body, _ := io.ReadAll(resp.Body)
	msgs := parseSSEMessages(string(body))
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "1" || msgs[0].Event != "status.changed" {
		t.Errorf("first message = %+v", msgs[0])
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(msgs[0].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed["tool_id"] != toolID || parsed["session_id"] != "session-1" {
		t.Errorf("data = %v", parsed)
	}
	if msgs[3].Event != "session.finished" || msgs[3].ID != "4" {
		t.Errorf("last message = %+v", msgs[3])
	}
}

func TestSSEHandler_LiveSubscription(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "net-reset"
	ts := setupTestServer(store, eb)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bodyCh := streamAsync(ctx, t, ts.URL+"/tools/"+toolID+"/events?until=finished")

	// Give handler time to subscribe.
	time.Sleep(100 * time.Millisecond)
	eb.Publish(testEvent("other-tool", 1, bus.EventSessionStarted))
	eb.Publish(testEvent(toolID, 2, bus.EventSessionStarted))
	eb.Publish(testEvent(toolID, 3, bus.EventSessionFinished))

	msgs := parseSSEMessages(<-bodyCh)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "2" || msgs[1].Event != "session.finished" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSSEHandler_AfterCursor(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "disk-cleanup"
	for i := uint64(1); i <= 5; i++ {
		kind := bus.EventOutputLine
		if i == 5 {
			kind = bus.EventSessionFinished
		}
		appendAll(t, store, testEvent(toolID, i, kind))
	}

	ts := setupTestServer(store, eb)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tools/" + toolID + "/events?after=3&until=finished")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	msgs := parseSSEMessages(string(body))
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (seq 4 and 5), got %d: %s", len(msgs), body)
	}
	if msgs[0].ID != "4" || msgs[1].ID != "5" {
		t.Errorf("ids = %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestSSEHandler_SequenceDedup(t *testing.T) {
	store := bus.NewMemEventStore()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "disk-cleanup"
	appendAll(t, store,
		testEvent(toolID, 1, bus.EventStatusChanged),
		testEvent(toolID, 2, bus.EventSessionStarted),
	)

	ts := setupTestServer(store, eb)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bodyCh := streamAsync(ctx, t, ts.URL+"/tools/"+toolID+"/events?until=finished")

	time.Sleep(100 * time.Millisecond)

	// Publish events that overlap with stored events (seq 1, 2) plus new ones.
	eb.Publish(testEvent(toolID, 1, bus.EventStatusChanged))
	eb.Publish(testEvent(toolID, 2, bus.EventSessionStarted))
	eb.Publish(testEvent(toolID, 3, bus.EventOutputLine))
	eb.Publish(testEvent(toolID, 4, bus.EventSessionFinished))

	msgs := parseSSEMessages(<-bodyCh)
	expected := []string{"1", "2", "3", "4"}
	if len(msgs) != len(expected) {
		t.Fatalf("expected %d messages, got %d", len(expected), len(msgs))
	}
	for i, exp := range expected {
		if msgs[i].ID != exp {
			t.Errorf("message %d: expected id %s, got %s", i, exp, msgs[i].ID)
		}
	}
}

func TestSSEHandler_FollowsAcrossSessions(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "disk-cleanup"
	ts := setupTestServer(nil, eb)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	bodyCh := streamAsync(ctx, t, ts.URL+"/tools/"+toolID+"/events")

	time.Sleep(100 * time.Millisecond)
	eb.Publish(testEvent(toolID, 1, bus.EventSessionFinished))
	eb.Publish(testEvent(toolID, 2, bus.EventSessionStarted))
	time.Sleep(100 * time.Millisecond)
	cancel()

	msgs := parseSSEMessages(<-bodyCh)
	if len(msgs) != 2 {
		t.Fatalf("expected the stream to stay open past session.finished, got %d messages", len(msgs))
	}
}

func TestSSEHandler_HeartbeatSent(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "disk-cleanup"
	ts := setupTestServer(bus.NewMemEventStore(), eb, sse.WithHeartbeat(20*time.Millisecond))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bodyCh := streamAsync(ctx, t, ts.URL+"/tools/"+toolID+"/events?until=finished")

	time.Sleep(150 * time.Millisecond)
	eb.Publish(testEvent(toolID, 1, bus.EventSessionFinished))

	rawBody := <-bodyCh
	if !strings.Contains(rawBody, ": ping") {
		t.Errorf("expected heartbeat ': ping' in body, got: %s", rawBody)
	}
	msgs := parseSSEMessages(rawBody)
	if len(msgs) != 1 || msgs[0].Event != "session.finished" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestSSEHandler_ClientDisconnect(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()

	toolID := "disk-cleanup"
	ts := setupTestServer(bus.NewMemEventStore(), eb)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/tools/"+toolID+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	// Give handler time to enter live streaming.
	time.Sleep(100 * time.Millisecond)

	// Cancel the context to simulate client disconnect.
	cancel()
	resp.Body.Close()

	// The handler must neither panic nor keep processing.
	time.Sleep(100 * time.Millisecond)
	eb.Publish(testEvent(toolID, 1, bus.EventOutputLine))
	time.Sleep(50 * time.Millisecond)
}

func TestSSEHandler_BadParameters(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	ts := setupTestServer(bus.NewMemEventStore(), eb)
	defer ts.Close()

	for _, query := range []string{"after=abc", "until=forever"} {
		t.Run(query, func(t *testing.T) {
			resp, err := http.Get(fmt.Sprintf("%s/tools/x/events?%s", ts.URL, query))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
		})
	}
}

func TestSSEHandler_MissingToolID(t *testing.T) {
	handler := sse.NewSSEHandler(bus.NewMemEventStore(), bus.NewMemBus(bus.MemBusConfig{}))

	// Call directly without a path value.
	req := httptest.NewRequest(http.MethodGet, "/tools//events", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
