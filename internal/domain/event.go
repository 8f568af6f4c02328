package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventOrchestrationStarted   EventType = "orchestration.started"
	EventOrchestrationCompleted EventType = "orchestration.completed"
	EventOrchestrationFallback  EventType = "orchestration.fallback"

	EventAgentCompleted EventType = "agent.completed"
	EventAgentFailed    EventType = "agent.failed"
	EventAgentRejected  EventType = "agent.rejected"

	EventBreakerStateChanged EventType = "breaker.state_changed"
	EventBreakerReset        EventType = "breaker.reset"

	EventLBStrategyChanged EventType = "lb.strategy_changed"
	EventLBUnhealthyOnly   EventType = "lb.unhealthy_only"

	EventKeywordsUpdated  EventType = "keywords.updated"
	EventKeywordsReloaded EventType = "keywords.reloaded"

	EventSessionCreated EventType = "session.created"
	EventSchedulerFired EventType = "scheduler.fired"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// NewEvent builds an Event with a JSON-encoded payload. Payloads that fail
// to marshal are dropped rather than failing the publisher.
func NewEvent(ctx context.Context, typ EventType, payload any) Event {
	ev := Event{
		Type:      typ,
		Timestamp: time.Now(),
		SessionID: SessionIDFromContext(ctx),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// PublishEvent is a nil-safe helper around EventBus.Publish.
func PublishEvent(ctx context.Context, bus EventBus, typ EventType, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(ctx, NewEvent(ctx, typ, payload))
}
