package agent

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
)

// Agent types accepted in configuration.
const (
	TypeKeyword = "keyword"
	TypeHTTP    = "http"
)

// Build creates an agent from its configuration entry. The configured
// timeout is carried on the agent and enforced per call by the workflow
// engine; HTTP agents share client.
func Build(cfg config.AgentConfig, client *http.Client, logger *slog.Logger) (domain.Agent, error) {
	switch cfg.Type {
	case "", TypeKeyword:
		return NewKeywordAgent(KeywordAgentConfig{
			Name:         cfg.Name,
			Description:  cfg.Description,
			Capabilities: cfg.Capabilities,
			Response:     cfg.Response,
			Timeout:      cfg.Timeout,
		}), nil
	case TypeHTTP:
		return NewHTTPAgent(HTTPAgentConfig{
			Name:         cfg.Name,
			Description:  cfg.Description,
			Capabilities: cfg.Capabilities,
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			Timeout:      cfg.Timeout,
		}, client, logger.With("agent", cfg.Name))
	default:
		return nil, fmt.Errorf("agent %q: unknown type %q: %w", cfg.Name, cfg.Type, domain.ErrInvalidInput)
	}
}

// BuildAll creates every configured agent, stopping at the first error.
// The shared client waits for response headers at least as long as the
// longest agent timeout, so the call deadline always fires first.
func BuildAll(cfgs []config.AgentConfig, logger *slog.Logger) ([]domain.Agent, error) {
	client := NewHTTPClient(headerTimeout(cfgs))
	out := make([]domain.Agent, 0, len(cfgs))
	for _, c := range cfgs {
		a, err := Build(c, client, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func headerTimeout(cfgs []config.AgentConfig) time.Duration {
	var longest time.Duration
	for _, c := range cfgs {
		longest = max(longest, c.Timeout)
	}
	if longest <= defaultRespTimeout {
		return 0
	}
	return longest
}

// SeedKeywords converts agent configuration into initial keyword entries.
func SeedKeywords(cfgs []config.AgentConfig) []*domain.AgentKeywords {
	out := make([]*domain.AgentKeywords, 0, len(cfgs))
	for _, c := range cfgs {
		if len(c.Capabilities) == 0 {
			continue
		}
		out = append(out, domain.NewAgentKeywords(c.Name, c.Capabilities, c.Threshold))
	}
	return out
}
