package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"agent-orchestrator/internal/domain"
)

type breakerResetParams struct {
	Name string `json:"name,omitempty"`
}

type agentReportParams struct {
	Agent string `json:"agent,omitempty"`
}

// RegisterRPC registers the WebSocket RPC methods on s.
func RegisterRPC(s *Server, deps HandlerDeps) {
	s.RegisterHandler("orchestrate", func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (any, error) {
		var req OrchestrateRequest
		if err := unmarshalPayload(payload, &req); err != nil {
			return nil, err
		}
		return deps.Orchestrator.Orchestrate(ctx, req.toRequest())
	})

	s.RegisterHandler("agents.list", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return deps.Orchestrator.AgentStatuses(deps.Breakers), nil
	})

	s.RegisterHandler("metrics.report", func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (any, error) {
		var p agentReportParams
		if len(payload) > 0 {
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
		}
		if p.Agent == "" {
			return deps.Monitor.FullReport(), nil
		}
		if !deps.Monitor.HasAgent(p.Agent) {
			return nil, fmt.Errorf("agent %q: %w", p.Agent, domain.ErrNotFound)
		}
		return deps.Monitor.Report(p.Agent), nil
	})

	s.RegisterHandler("metrics.health", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return health(deps), nil
	})

	s.RegisterHandler("breakers.list", func(context.Context, *ClientInfo, json.RawMessage) (any, error) {
		return deps.Breakers.Snapshots(), nil
	})

	// Without a name every breaker is reset.
	s.RegisterHandler("breakers.reset", func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (any, error) {
		var p breakerResetParams
		if len(payload) > 0 {
			if err := unmarshalPayload(payload, &p); err != nil {
				return nil, err
			}
		}
		if p.Name == "" {
			n := deps.Breakers.ResetAll()
			deps.Logger.Info("circuit breakers reset via rpc", "count", n)
			return map[string]int{"reset": n}, nil
		}
		return resetBreaker(deps, p.Name)
	})
}

func unmarshalPayload(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}
