package workflow

import (
	"fmt"
	"maps"
	"strings"

	"agent-orchestrator/internal/domain"
)

// MultiAgentName is the AgentName of a synthesized response.
const MultiAgentName = "multi-agent"

const sectionSeparator = "\n\n---\n\n"

// Synthesize merges the successful outcomes into one response. Failed
// outcomes are ignored.
//
// With no successes the response is empty with agent_count 0. A single
// success passes through unchanged. Otherwise every success becomes an
// attributed "### Analysis i (agent)" section followed by a summary.
func Synthesize(query string, outcomes []domain.StepOutcome) *domain.Response {
	var ok []domain.StepOutcome
	for _, o := range outcomes {
		if o.Succeeded() {
			ok = append(ok, o)
		}
	}

	switch len(ok) {
	case 0:
		return &domain.Response{
			AgentName: MultiAgentName,
			Reasoning: "No agents provided responses",
			Sources:   []string{},
			Metadata:  map[string]any{"agent_count": 0},
		}
	case 1:
		r := ok[0].Result
		meta := make(map[string]any, len(r.Metadata)+1)
		maps.Copy(meta, r.Metadata)
		meta["agent_count"] = 1
		return &domain.Response{
			Answer:     r.Content,
			AgentName:  ok[0].AgentName,
			Confidence: r.Confidence,
			Reasoning:  r.Reasoning,
			Sources:    nonNilSources(r.Sources),
			Metadata:   meta,
		}
	}

	var (
		sections    = make([]string, 0, len(ok))
		sources     = []string{}
		names       = make([]string, 0, len(ok))
		confidences = make([]float64, 0, len(ok))
		sum         float64
	)
	for i, o := range ok {
		sections = append(sections, fmt.Sprintf("### Analysis %d (%s)\n\n%s", i+1, o.AgentName, o.Result.Content))
		sources = append(sources, o.Result.Sources...)
		names = append(names, o.AgentName)
		confidences = append(confidences, o.Result.Confidence)
		sum += o.Result.Confidence
	}

	answer := strings.Join(sections, sectionSeparator) + fmt.Sprintf(
		"\n\n### Summary\n\nThis answer combines the analysis of %d specialized agents for the query %q.",
		len(ok), query)

	return &domain.Response{
		Answer:     answer,
		AgentName:  MultiAgentName,
		Confidence: sum / float64(len(ok)),
		Reasoning:  fmt.Sprintf("Synthesized from %d agents: %s", len(ok), strings.Join(names, ", ")),
		Sources:    sources,
		Metadata: map[string]any{
			"agent_count":            len(ok),
			"agents_used":            names,
			"individual_confidences": confidences,
		},
	}
}

func nonNilSources(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
