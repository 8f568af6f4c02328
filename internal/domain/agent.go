package domain

import (
	"context"
	"time"
)

// Agent is an opaque specialized responder. Implementations must be safe for
// concurrent use; the orchestrator may invoke Process from several requests at once.
type Agent interface {
	// Name is the unique registry key for the agent.
	Name() string
	// Capabilities returns the capability tags the agent declares.
	Capabilities() []string
	// CanHandle returns the agent's own confidence in [0,1] that it can answer query.
	CanHandle(ctx context.Context, query string, qctx map[string]any) float64
	// Process answers query. It must honor ctx cancellation.
	Process(ctx context.Context, query string, qctx map[string]any) (*AgentResult, error)
}

// AgentResult is what an agent returns from Process.
type AgentResult struct {
	Content    string         `json:"content"`
	Sources    []string       `json:"sources,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// FallbackHandler is the default responder used when no agent qualifies or
// every branch of a workflow failed.
type FallbackHandler interface {
	Handle(ctx context.Context, query, reason string) (*AgentResult, error)
}

// FallbackFunc adapts a function to FallbackHandler.
type FallbackFunc func(ctx context.Context, query, reason string) (*AgentResult, error)

// Handle implements FallbackHandler.
func (f FallbackFunc) Handle(ctx context.Context, query, reason string) (*AgentResult, error) {
	return f(ctx, query, reason)
}

// AgentStatus is a read-only snapshot of a registered agent.
type AgentStatus struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Healthy      bool     `json:"healthy"`
	BreakerState string   `json:"breaker_state"`
}

// TimedAgent is implemented by agents configured with their own call
// deadline.
type TimedAgent interface {
	Timeout() time.Duration
}

// CallTimeout returns the configured deadline of a, or 0 when a has none.
func CallTimeout(a Agent) time.Duration {
	if t, ok := a.(TimedAgent); ok {
		return t.Timeout()
	}
	return 0
}
