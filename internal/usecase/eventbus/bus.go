// Package eventbus fans orchestration events out to in-process listeners
// such as the websocket gateway and the metrics exporter.
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"agent-orchestrator/internal/domain"
)

// DefaultMaxInFlight bounds concurrently running handlers.
const DefaultMaxInFlight = 256

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutine with a context that outlives the publishing request.
type Bus struct {
	logger *slog.Logger
	slots  chan struct{}

	mu      sync.RWMutex
	typed   map[domain.EventType]map[uint64]domain.EventHandler
	wild    map[uint64]domain.EventHandler
	nextID  atomic.Uint64
	counts  map[domain.EventType]uint64
	dropped atomic.Uint64

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus. maxInFlight <= 0 uses DefaultMaxInFlight.
func New(logger *slog.Logger, maxInFlight int) *Bus {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Bus{
		logger: logger,
		slots:  make(chan struct{}, maxInFlight),
		typed:  make(map[domain.EventType]map[uint64]domain.EventHandler),
		wild:   make(map[uint64]domain.EventHandler),
		counts: make(map[domain.EventType]uint64),
	}
}

// Publish delivers event to subscribers of its type and to wildcard
// subscribers. When every handler slot is busy the delivery is dropped
// and counted rather than blocking the publisher.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.Lock()
	b.counts[event.Type]++
	handlers := make([]domain.EventHandler, 0, len(b.typed[event.Type])+len(b.wild))
	for _, h := range b.typed[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.wild {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	hctx := context.WithoutCancel(ctx)
	for _, h := range handlers {
		select {
		case b.slots <- struct{}{}:
			b.dispatch(hctx, event, h)
		default:
			b.dropped.Add(1)
			b.logger.Warn("event handler backlog full, dropping delivery", "event", string(event.Type))
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, h domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.slots }()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked", "event", string(event.Type), "panic", r)
			}
		}()
		h(ctx, event)
	}()
}

// Subscribe registers handler for one event type. The returned func removes it.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	set, ok := b.typed[eventType]
	if !ok {
		set = make(map[uint64]domain.EventHandler)
		b.typed[eventType] = set
	}
	set[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.typed[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.wild[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.wild, id)
		b.mu.Unlock()
	}
}

// TypeCount is the number of events published for one type.
type TypeCount struct {
	Type  domain.EventType
	Count uint64
}

// Counts returns published totals per event type, sorted by type.
func (b *Bus) Counts() []TypeCount {
	b.mu.RLock()
	out := make([]TypeCount, 0, len(b.counts))
	for t, n := range b.counts {
		out = append(out, TypeCount{Type: t, Count: n})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Dropped returns how many deliveries were shed because of backlog.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events and waits for running handlers. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
