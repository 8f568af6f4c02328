package domain

import "time"

// StepStatus is the lifecycle state of a WorkflowStep.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// FailureReason classifies why a step failed.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonAgentError       FailureReason = "agent_error"
	ReasonTimeout          FailureReason = "timeout"
	ReasonCircuitOpen      FailureReason = "circuit_open"
	ReasonDependencyFailed FailureReason = "dependency_failed"
	ReasonCanceled         FailureReason = "canceled"
	ReasonSlowCall         FailureReason = "slow_call"
)

// Strategy is the execution plan the orchestrator chose for a query.
type Strategy string

const (
	StrategySingle     Strategy = "single"
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyFallback   Strategy = "fallback"
)

// WorkflowStep is one agent invocation inside a request. Steps are request-local.
type WorkflowStep struct {
	ID        string         `json:"id"`
	Agent     Agent          `json:"-"`
	AgentName string         `json:"agent"`
	Query     string         `json:"query"`
	Context   map[string]any `json:"-"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// StepOutcome is the recorded result of executing a WorkflowStep.
type StepOutcome struct {
	StepID    string        `json:"step_id"`
	AgentName string        `json:"agent"`
	Status    StepStatus    `json:"status"`
	Reason    FailureReason `json:"reason,omitempty"`
	Result    *AgentResult  `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Succeeded reports whether the step produced a usable result.
func (o StepOutcome) Succeeded() bool {
	return o.Status == StepCompleted && o.Result != nil
}

// CapabilityScore is the selector's per-query evaluation of one agent.
type CapabilityScore struct {
	Agent     string              `json:"agent"`
	Score     float64             `json:"score"`
	Matched   map[string][]string `json:"matched,omitempty"`
	Threshold float64             `json:"threshold"`
	Qualified bool                `json:"qualified"`
	Secondary float64             `json:"secondary"`
}

// SelectionDecision records why the selector picked (or did not pick) an agent.
type SelectionDecision struct {
	SelectedAgent string             `json:"selected_agent,omitempty"`
	Confidence    float64            `json:"confidence"`
	Reasoning     string             `json:"reasoning"`
	AllScores     map[string]float64 `json:"all_scores"`
	Timestamp     time.Time          `json:"timestamp"`
	UseFallback   bool               `json:"should_use_fallback"`
	KeywordsRev   uint64             `json:"keywords_version"`
}

// OrchestrationInfo is attached to every Response for observability.
type OrchestrationInfo struct {
	Strategy    Strategy          `json:"strategy"`
	Decision    SelectionDecision `json:"decision"`
	Steps       []StepOutcome     `json:"steps,omitempty"`
	ExecutionMs float64           `json:"execution_time_ms"`
	MultiAgent  bool              `json:"multi_agent_used"`
	Reasons     []string          `json:"multi_agent_reasons,omitempty"`
}

// Response is returned by the orchestrator to its caller.
type Response struct {
	Answer        string             `json:"answer"`
	AgentName     string             `json:"agent_name"`
	Confidence    float64            `json:"confidence"`
	Reasoning     string             `json:"reasoning"`
	Sources       []string           `json:"sources"`
	Metadata      map[string]any     `json:"metadata"`
	SessionID     string             `json:"session_id,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
	Orchestration *OrchestrationInfo `json:"orchestration,omitempty"`
}
