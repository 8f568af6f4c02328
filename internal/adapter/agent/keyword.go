// Package agent provides concrete domain.Agent implementations built from
// configuration: local keyword agents, remote HTTP agents and the fallback
// responder.
package agent

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"agent-orchestrator/internal/domain"
)

const defaultResponse = "{{agent}} handled: {{query}}"

// KeywordAgent answers from a response template and rates queries by how
// many of its capabilities have a keyword present in the query.
type KeywordAgent struct {
	name         string
	description  string
	capabilities map[string][]string
	order        []string
	template     string
	confidence   float64
	timeout      time.Duration
}

var (
	_ domain.Agent      = (*KeywordAgent)(nil)
	_ domain.TimedAgent = (*KeywordAgent)(nil)
)

// KeywordAgentConfig configures a KeywordAgent.
type KeywordAgentConfig struct {
	Name         string
	Description  string
	Capabilities map[string][]string
	// Response may reference {{agent}}, {{query}}, {{capabilities}} and {{history}}.
	Response string
	// Confidence reported on answers; <= 0 uses 0.8.
	Confidence float64
	// Timeout bounds each Process call; 0 leaves it to the workflow engine.
	Timeout time.Duration
}

// NewKeywordAgent creates a KeywordAgent.
func NewKeywordAgent(cfg KeywordAgentConfig) *KeywordAgent {
	caps := make(map[string][]string, len(cfg.Capabilities))
	order := make([]string, 0, len(cfg.Capabilities))
	for c, kws := range cfg.Capabilities {
		lowered := make([]string, 0, len(kws))
		for _, kw := range kws {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				lowered = append(lowered, kw)
			}
		}
		caps[c] = lowered
		order = append(order, c)
	}
	sort.Strings(order)

	tmpl := cfg.Response
	if tmpl == "" {
		tmpl = defaultResponse
	}
	conf := cfg.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.8
	}
	return &KeywordAgent{
		name:         cfg.Name,
		description:  cfg.Description,
		capabilities: caps,
		order:        order,
		template:     tmpl,
		confidence:   conf,
		timeout:      cfg.Timeout,
	}
}

func (a *KeywordAgent) Name() string { return a.name }

// Timeout is the per-call deadline from configuration, 0 when unset.
func (a *KeywordAgent) Timeout() time.Duration { return a.timeout }

// Description is the human-readable summary from configuration.
func (a *KeywordAgent) Description() string { return a.description }

func (a *KeywordAgent) Capabilities() []string {
	return append([]string(nil), a.order...)
}

// Keywords returns the configured capability to keyword map, used to seed
// the keyword store.
func (a *KeywordAgent) Keywords() map[string][]string {
	out := make(map[string][]string, len(a.capabilities))
	for c, kws := range a.capabilities {
		out[c] = append([]string(nil), kws...)
	}
	return out
}

// CanHandle returns the share of capabilities with at least one keyword in query.
func (a *KeywordAgent) CanHandle(_ context.Context, query string, _ map[string]any) float64 {
	matched := a.matchedCapabilities(query)
	if len(a.order) == 0 {
		return 0
	}
	return float64(len(matched)) / float64(len(a.order))
}

func (a *KeywordAgent) Process(ctx context.Context, query string, qctx map[string]any) (*domain.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched := a.matchedCapabilities(query)
	history := historyLen(qctx)

	content := strings.NewReplacer(
		"{{agent}}", a.name,
		"{{query}}", query,
		"{{capabilities}}", strings.Join(matched, ", "),
		"{{history}}", fmt.Sprint(history),
	).Replace(a.template)

	meta := map[string]any{
		"capabilities_used": matched,
		"query_type":        a.name,
	}
	if history > 0 {
		meta["history_turns"] = history
	}
	if prev := previousCount(qctx); prev > 0 {
		meta["previous_results"] = prev
	}

	reasoning := "no capability keyword matched"
	if len(matched) > 0 {
		reasoning = "matched capabilities: " + strings.Join(matched, ", ")
	}
	return &domain.AgentResult{
		Content:    content,
		Metadata:   meta,
		Confidence: a.confidence,
		Reasoning:  reasoning,
	}, nil
}

func (a *KeywordAgent) matchedCapabilities(query string) []string {
	q := strings.ToLower(query)
	var out []string
	for _, c := range a.order {
		for _, kw := range a.capabilities[c] {
			if strings.Contains(q, kw) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// historyLen counts prior turns without depending on their concrete type.
func historyLen(qctx map[string]any) int {
	return sliceLen(qctx["history"])
}

func previousCount(qctx map[string]any) int {
	return sliceLen(qctx["previous_results"])
}

func sliceLen(v any) int {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return 0
	}
	return rv.Len()
}
