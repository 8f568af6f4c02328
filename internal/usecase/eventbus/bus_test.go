package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agent-orchestrator/internal/domain"
)

func newTestBus(maxInFlight int) *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), maxInFlight)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentCompleted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventAgentCompleted {
			got.Add(1)
		}
	})
	bus.Subscribe(domain.EventAgentFailed, func(_ context.Context, _ domain.Event) {
		t.Error("agent.failed handler must not see agent.completed")
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventOrchestrationStarted))
	bus.Publish(context.Background(), newEvent(domain.EventBreakerStateChanged))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventAgentCompleted, func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsubAll := bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	unsubAll()
	unsub() // second call is harmless

	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestHandlerContextOutlivesPublisher(t *testing.T) {
	bus := newTestBus(0)

	errCh := make(chan error, 1)
	bus.Subscribe(domain.EventOrchestrationCompleted, func(ctx context.Context, _ domain.Event) {
		time.Sleep(10 * time.Millisecond)
		errCh <- ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventOrchestrationCompleted))
	cancel()
	bus.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("handler context canceled with publisher: %v", err)
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentCompleted, func(_ context.Context, _ domain.Event) { got.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestBacklogDropsInsteadOfBlocking(t *testing.T) {
	bus := newTestBus(1)

	release := make(chan struct{})
	bus.Subscribe(domain.EventAgentCompleted, func(_ context.Context, _ domain.Event) { <-release })

	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	close(release)
	bus.Close()

	if got := bus.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentFailed, func(_ context.Context, _ domain.Event) { panic("boom") })
	bus.Subscribe(domain.EventAgentFailed, func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventAgentFailed))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestCounts(t *testing.T) {
	bus := newTestBus(0)
	bus.Publish(context.Background(), newEvent(domain.EventAgentFailed))
	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	bus.Close()

	counts := bus.Counts()
	if len(counts) != 2 {
		t.Fatalf("len(Counts()) = %d, want 2", len(counts))
	}
	if counts[0].Type != domain.EventAgentCompleted || counts[0].Count != 2 {
		t.Errorf("counts[0] = %+v", counts[0])
	}
	if counts[1].Type != domain.EventAgentFailed || counts[1].Count != 1 {
		t.Errorf("counts[1] = %+v", counts[1])
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.Subscribe(domain.EventAgentCompleted, func(_ context.Context, _ domain.Event) {
		time.Sleep(30 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventAgentCompleted))
	time.Sleep(10 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("publish after Close delivered, got %d", got.Load())
	}
	bus.Close()
}

func TestPublishEventHelper(t *testing.T) {
	bus := newTestBus(0)

	done := make(chan domain.Event, 1)
	bus.SubscribeAll(func(_ context.Context, e domain.Event) { done <- e })

	ctx := domain.ContextWithSessionID(context.Background(), "sess-1")
	domain.PublishEvent(ctx, bus, domain.EventKeywordsUpdated, map[string]string{"agent": "docs"})
	domain.PublishEvent(ctx, nil, domain.EventKeywordsUpdated, nil)
	bus.Close()

	e := <-done
	if e.SessionID != "sess-1" {
		t.Errorf("SessionID = %q", e.SessionID)
	}
	if string(e.Payload) != `{"agent":"docs"}` {
		t.Errorf("Payload = %s", e.Payload)
	}
}
