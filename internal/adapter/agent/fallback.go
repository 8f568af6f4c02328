package agent

import (
	"context"
	"fmt"
	"log/slog"

	"agent-orchestrator/internal/domain"
)

// Responder is the default FallbackHandler. With a remote endpoint it
// forwards the query to a general-purpose pipeline; otherwise it answers
// with a fixed message.
type Responder struct {
	message string
	remote  *HTTPAgent
	logger  *slog.Logger
}

var _ domain.FallbackHandler = (*Responder)(nil)

// NewResponder creates a Responder. remote may be nil.
func NewResponder(message string, remote *HTTPAgent, logger *slog.Logger) *Responder {
	return &Responder{message: message, remote: remote, logger: logger}
}

func (r *Responder) Handle(ctx context.Context, query, reason string) (*domain.AgentResult, error) {
	if r.remote == nil {
		return &domain.AgentResult{
			Content:   fmt.Sprintf("%s Reason: %s", r.message, reason),
			Metadata:  map[string]any{"fallback": true, "reason": reason},
			Reasoning: reason,
		}, nil
	}

	res, err := r.remote.Process(ctx, query, map[string]any{"fallback_reason": reason})
	if err != nil {
		r.logger.Warn("fallback pipeline failed", "endpoint", r.remote.endpoint, "error", err)
		return nil, fmt.Errorf("fallback pipeline: %w", err)
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any, 2)
	}
	res.Metadata["fallback"] = true
	res.Metadata["reason"] = reason
	if res.Reasoning == "" {
		res.Reasoning = reason
	}
	return res, nil
}
