package bus

import (
	"sync"
	"testing"
	"time"
)

func TestMemBus_PublishSubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("disk-cleanup")
	defer sub.Close()

	event := NewEvent(EventSessionStarted, "disk-cleanup")
	b.Publish(event)

	select {
	case received := <-sub.Events():
		if received.Kind != EventSessionStarted {
			t.Errorf("got kind %v, want %v", received.Kind, EventSessionStarted)
		}
		if received.ToolID != "disk-cleanup" {
			t.Errorf("got ToolID %q, want %q", received.ToolID, "disk-cleanup")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("disk-cleanup")
	defer sub1.Close()
	sub2 := b.Subscribe("disk-cleanup")
	defer sub2.Close()
	sub3 := b.Subscribe("disk-cleanup")
	defer sub3.Close()

	event := NewEvent(EventStatusChanged, "disk-cleanup")
	b.Publish(event)

	for i, sub := range []Subscription{sub1, sub2, sub3} {
		select {
		case e := <-sub.Events():
			if e.Kind != EventStatusChanged {
				t.Errorf("sub%d: got kind %v, want %v", i, e.Kind, EventStatusChanged)
			}
		case <-time.After(time.Second):
			t.Fatalf("sub%d: timed out", i)
		}
	}
}

func TestMemBus_ToolIsolation(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub1 := b.Subscribe("disk-cleanup")
	defer sub1.Close()
	sub2 := b.Subscribe("dns-flush")
	defer sub2.Close()

	b.Publish(NewEvent(EventSessionStarted, "disk-cleanup"))

	select {
	case <-sub1.Events():
		// expected
	case <-time.After(time.Second):
		t.Fatal("sub1 should receive disk-cleanup events")
	}

	select {
	case <-sub2.Events():
		t.Fatal("sub2 should NOT receive disk-cleanup events")
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestMemBus_SubscribeAll(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	global := b.SubscribeAll()
	defer global.Close()

	b.Publish(NewEvent(EventSessionStarted, "disk-cleanup"))
	b.Publish(NewEvent(EventSessionStarted, "dns-flush"))
	b.Publish(NewEvent(EventSessionStarted, "log-rotate"))

	for i := 0; i < 3; i++ {
		select {
		case <-global.Events():
		case <-time.After(time.Second):
			t.Fatalf("global subscriber missed event %d", i)
		}
	}
}

func TestMemBus_SubscribeAllWithToolSpecific(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	toolSub := b.Subscribe("disk-cleanup")
	defer toolSub.Close()
	globalSub := b.SubscribeAll()
	defer globalSub.Close()

	b.Publish(NewEvent(EventSessionStarted, "disk-cleanup"))

	// Both the tool-specific and global subscriber should receive the event.
	select {
	case <-toolSub.Events():
	case <-time.After(time.Second):
		t.Fatal("tool subscriber should receive event")
	}

	select {
	case <-globalSub.Events():
	case <-time.After(time.Second):
		t.Fatal("global subscriber should receive event")
	}
}

func TestMemBus_ClosedSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("disk-cleanup")
	sub.Close()

	// Publishing after subscription close should not panic.
	b.Publish(NewEvent(EventSessionStarted, "disk-cleanup"))
}

func TestMemBus_DoubleCloseSubscription(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("disk-cleanup")

	// Closing twice should not panic.
	if err := sub.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestMemBus_ClosedBusPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{})

	sub := b.Subscribe("disk-cleanup")
	b.Close()

	// Publishing to a closed bus should not panic.
	b.Publish(NewEvent(EventSessionStarted, "disk-cleanup"))

	// The subscription channel should be closed (drained and then zero-value).
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected channel to be closed after bus Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed channel")
	}
}

func TestMemBus_DefaultBufferSize(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	if b.bufSize != 256 {
		t.Errorf("default buffer size = %d, want 256", b.bufSize)
	}
}

func TestMemBus_CustomBufferSize(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 64})
	defer b.Close()

	if b.bufSize != 64 {
		t.Errorf("buffer size = %d, want 64", b.bufSize)
	}
}

func TestMemBus_BufferOverflow(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	sub := b.Subscribe("disk-cleanup")
	defer sub.Close()

	// Publish 5 events into a buffer of size 2; extras should be dropped.
	for i := 0; i < 5; i++ {
		b.Publish(NewEvent(EventStatusChanged, "disk-cleanup"))
	}

	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		case <-time.After(50 * time.Millisecond):
			goto done
		}
	}
done:
	if count != 2 {
		t.Errorf("received %d events, want 2 (buffer size)", count)
	}
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1000})
	defer b.Close()

	sub := b.Subscribe("disk-cleanup")
	defer sub.Close()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(NewEvent(EventStatusChanged, "disk-cleanup"))
		}()
	}
	wg.Wait()

	// Drain and count.
	count := 0
	for {
		select {
		case <-sub.Events():
			count++
		case <-time.After(100 * time.Millisecond):
			goto done
		}
	}
done:
	if count != n {
		t.Errorf("received %d events, want %d", count, n)
	}
}

func TestMemBus_ConcurrentSubscribePublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 100})
	defer b.Close()

	var wg sync.WaitGroup

	// Concurrently subscribe and publish.
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.Subscribe("disk-cleanup")
			defer sub.Close()
			b.Publish(NewEvent(EventStatusChanged, "disk-cleanup"))
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := b.SubscribeAll()
			defer sub.Close()
			b.Publish(NewEvent(EventSessionStarted, "disk-cleanup"))
		}()
	}

	wg.Wait()
}

func TestMemBus_CloseUnsubscribes(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe("disk-cleanup")
	global := b.SubscribeAll()
	_ = sub.Close()
	_ = global.Close()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) != 0 || len(b.globalSubs) != 0 {
		t.Fatalf("subscribers retained after Close: %d tool, %d global", len(b.subs), len(b.globalSubs))
	}
}

func TestMemBus_RefreshEventsReachOnlyGlobal(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	toolSub := b.Subscribe("")
	defer toolSub.Close()
	global := b.SubscribeAll()
	defer global.Close()

	b.Publish(NewEvent(EventRefreshCompleted, ""))

	select {
	case e := <-global.Events():
		if e.Kind != EventRefreshCompleted {
			t.Fatalf("kind = %s", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("global subscriber missed refresh event")
	}
	select {
	case <-toolSub.Events():
		t.Fatal("tool subscription received a catalog-level event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_SubscribeAfterClose(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	_ = b.Close()

	sub := b.Subscribe("disk-cleanup")
	if _, ok := <-sub.Events(); ok {
		t.Fatal("subscription on closed bus should be closed")
	}
}
