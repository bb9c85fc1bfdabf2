package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/repoask/repoask/internal/common/logger"
)

func newTestBus() *MemoryEventBus {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return NewMemoryEventBus(log)
}

// received collects events delivered to a handler.
type received struct {
	mu     sync.Mutex
	events []*Event
}

func (r *received) handler(ctx context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *received) waitFor(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		count := len(r.events)
		r.mu.Unlock()
		if count >= n {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) < n {
		t.Fatalf("expected %d events, got %d", n, len(r.events))
	}
	return append([]*Event(nil), r.events...)
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got received
	if _, err := b.Subscribe(SubjectAskStarted, got.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	event := NewEvent(SubjectAskStarted, "orchestrator", map[string]interface{}{"key": "daytona+svelte"})
	if err := b.Publish(context.Background(), SubjectAskStarted, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	events := got.waitFor(t, 1)
	if events[0].ID != event.ID {
		t.Errorf("delivered event ID = %q, want %q", events[0].ID, event.ID)
	}
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var single, multi received
	if _, err := b.Subscribe("ask.*", single.handler); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe("ask.>", multi.handler); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	// One token after the prefix: matches both patterns.
	if err := b.Publish(ctx, "ask.started", NewEvent("ask.started", "test", nil)); err != nil {
		t.Fatal(err)
	}
	// Two tokens: only ">" matches.
	if err := b.Publish(ctx, "ask.session.created", NewEvent("ask.session.created", "test", nil)); err != nil {
		t.Fatal(err)
	}

	multi.waitFor(t, 2)
	single.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)
	if n := single.count(); n != 1 {
		t.Errorf("single-token pattern received %d events, want 1", n)
	}
}

func TestNonMatchingSubjectNotDelivered(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got received
	if _, err := b.Subscribe(SubjectAskCompleted, got.handler); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(context.Background(), SubjectAskFailed, NewEvent(SubjectAskFailed, "test", nil)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if n := got.count(); n != 0 {
		t.Errorf("received %d events for non-matching subject", n)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got received
	sub, err := b.Subscribe(SubjectAskStarted, got.handler)
	if err != nil {
		t.Fatal(err)
	}
	if !sub.IsValid() {
		t.Fatal("fresh subscription should be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription should be invalid")
	}

	if err := b.Publish(context.Background(), SubjectAskStarted, NewEvent(SubjectAskStarted, "test", nil)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := got.count(); n != 0 {
		t.Errorf("received %d events after unsubscribe", n)
	}
}

func TestClosedBusRejectsOperations(t *testing.T) {
	b := newTestBus()
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}
	if err := b.Publish(context.Background(), SubjectAskStarted, NewEvent(SubjectAskStarted, "test", nil)); err == nil {
		t.Error("Publish on closed bus should fail")
	}
	if _, err := b.Subscribe(SubjectAskStarted, func(context.Context, *Event) error { return nil }); err == nil {
		t.Error("Subscribe on closed bus should fail")
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got received
	if _, err := b.Subscribe("ask.>", got.handler); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(context.Background(), "ask.session.created", NewEvent("ask.session.created", "test", nil))
		}()
	}
	wg.Wait()

	got.waitFor(t, 20)
}
