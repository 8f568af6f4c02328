package workflow

import "strings"

// Default detection vocabulary.
var (
	DefaultMultiAgentPatterns = []string{"compare", "analyze and synthesize", "both", "as well as", "in addition"}
	DefaultListMarkers        = []string{"1.", "2.", "first", "second", "also"}
)

// Detection reasons.
const (
	ReasonPatternPrefix     = "pattern: "
	ReasonMultipleQuestions = "multiple questions"
	ReasonListMarkers       = "multiple items or steps"
)

// DetectMultiAgent reports whether query looks like it needs more than one
// agent, with the reasons that fired. Matching is case-insensitive substring.
func (e *Engine) DetectMultiAgent(query string) (bool, []string) {
	return detect(query, e.cfg.MultiAgentPatterns, e.cfg.ListMarkers)
}

func detect(query string, patterns, markers []string) (bool, []string) {
	lower := strings.ToLower(query)
	var reasons []string

	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			reasons = append(reasons, ReasonPatternPrefix+p)
		}
	}
	if strings.Count(query, "?") > 1 {
		reasons = append(reasons, ReasonMultipleQuestions)
	}
	for _, m := range markers {
		if m != "" && strings.Contains(lower, strings.ToLower(m)) {
			reasons = append(reasons, ReasonListMarkers)
			break
		}
	}
	return len(reasons) > 0, reasons
}
