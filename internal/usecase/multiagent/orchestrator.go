package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/tracer"
	"agent-orchestrator/internal/usecase/workflow"
)

// ModeKey selects the multi-agent execution mode in the request context.
// The only recognized value is ModeSequential; anything else runs parallel.
const (
	ModeKey        = "mode"
	ModeSequential = "sequential"
)

// FallbackAgentName is the AgentName of responses produced by the fallback path.
const FallbackAgentName = "fallback"

// Defaults.
const (
	DefaultMultiAgentMinScore = 0.5
	DefaultMaxAgents          = 3
	DefaultFallbackMessage    = "No agent available to handle this query."
)

// Picker chooses among equally ranked agents, typically the load balancer.
type Picker interface {
	Pick(ctx context.Context, candidates []string) (string, error)
}

// OrchestratorConfig controls strategy selection.
type OrchestratorConfig struct {
	EnableMultiAgent   bool
	MultiAgentMinScore float64
	MaxAgents          int
	MaxConcurrency     int
	FallbackMessage    string
}

// OrchestratorDeps holds the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Registry *Registry
	Selector *Selector
	Engine   *workflow.Engine
	Logger   *slog.Logger
	Picker   Picker                 // optional, nil = selector ranking decides ties
	Fallback domain.FallbackHandler // optional, nil = canned fallback answer
	Sessions *SessionStore          // optional, nil = no session history
	Bus      domain.EventBus        // optional, nil = no events
}

// Request is one query submitted to the orchestrator.
type Request struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Orchestrator is the entry point for answering queries. It selects agents,
// runs them through the workflow engine and falls back when nothing usable
// comes back.
type Orchestrator struct {
	cfg      OrchestratorConfig
	registry *Registry
	selector *Selector
	engine   *workflow.Engine
	picker   Picker
	fallback domain.FallbackHandler
	sessions *SessionStore
	bus      domain.EventBus
	logger   *slog.Logger

	total      atomic.Uint64
	single     atomic.Uint64
	multi      atomic.Uint64
	fallbacks  atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	multiSteps atomic.Uint64
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) *Orchestrator {
	if cfg.MultiAgentMinScore <= 0 {
		cfg.MultiAgentMinScore = DefaultMultiAgentMinScore
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultMaxAgents
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: deps.Registry,
		selector: deps.Selector,
		engine:   deps.Engine,
		picker:   deps.Picker,
		fallback: deps.Fallback,
		sessions: deps.Sessions,
		bus:      deps.Bus,
		logger:   deps.Logger,
	}
}

// execPlan is the execution strategy chosen for one request.
type execPlan struct {
	strategy domain.Strategy
	agents   []string
	reasons  []string
}

// Orchestrate answers one query. Agent failures never surface as errors:
// they end in the fallback path, and only a failing fallback handler (or an
// empty registry without one) is returned to the caller.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*domain.Response, error) {
	start := time.Now()
	o.total.Add(1)

	if strings.TrimSpace(req.Query) == "" {
		o.failed.Add(1)
		return nil, domain.NewDomainError("Orchestrator.Orchestrate", domain.ErrInvalidInput, "empty query")
	}

	qctx := make(map[string]any, len(req.Context)+1)
	maps.Copy(qctx, req.Context)

	var sess *Session
	if o.sessions != nil {
		sess = o.sessions.GetOrCreate(ctx, req.SessionID)
		ctx = domain.ContextWithSessionID(ctx, sess.ID)
		qctx[HistoryKey] = sess.History()
	}

	ctx, span := tracer.StartSpan(ctx, "orchestrator.orchestrate")
	defer span.End()

	domain.PublishEvent(ctx, o.bus, domain.EventOrchestrationStarted, map[string]any{
		"query_length": len(req.Query),
	})
	o.logger.Info("orchestrating query", "query", truncate(req.Query, 50), "session_id", domain.SessionIDFromContext(ctx))

	info := &domain.OrchestrationInfo{}
	resp, err := o.orchestrate(ctx, req.Query, qctx, info)
	if err != nil {
		o.failed.Add(1)
		tracer.RecordError(span, err)
		o.logger.Error("orchestration failed", "error", err)
		return nil, err
	}

	info.ExecutionMs = float64(time.Since(start)) / float64(time.Millisecond)
	resp.Orchestration = info
	resp.RequestID = domain.RequestIDFromContext(ctx)
	if sess != nil {
		resp.SessionID = sess.ID
		o.sessions.Append(sess, Turn{Query: req.Query, Answer: resp.Answer, AgentName: resp.AgentName})
	}

	o.succeeded.Add(1)
	span.SetAttributes(
		tracer.StringAttr("orchestrator.strategy", string(info.Strategy)),
		tracer.StringAttr("orchestrator.agent", resp.AgentName),
		tracer.IntAttr("orchestrator.steps", len(info.Steps)),
	)
	tracer.SetOK(span)
	domain.PublishEvent(ctx, o.bus, domain.EventOrchestrationCompleted, map[string]any{
		"strategy":          info.Strategy,
		"agent":             resp.AgentName,
		"confidence":        resp.Confidence,
		"execution_time_ms": info.ExecutionMs,
	})
	return resp, nil
}

func (o *Orchestrator) orchestrate(ctx context.Context, query string, qctx map[string]any, info *domain.OrchestrationInfo) (*domain.Response, error) {
	agents := o.registry.Agents()
	if len(agents) == 0 {
		if o.fallback == nil {
			return nil, domain.NewDomainError("Orchestrator.Orchestrate", domain.ErrRegistryEmpty, "")
		}
		o.logger.Warn("no agents registered, using fallback")
		info.Decision = domain.SelectionDecision{
			Reasoning:   "fallback: no agents available",
			AllScores:   map[string]float64{},
			Timestamp:   time.Now(),
			UseFallback: true,
		}
		return o.runFallback(ctx, query, domain.ErrRegistryEmpty.Error(), info)
	}

	sel := o.selector.Select(ctx, query, qctx, agents)
	info.Decision = sel.Decision
	if sel.Decision.UseFallback {
		return o.runFallback(ctx, query, fmt.Sprintf("%s: %s", domain.ErrNoQualifyingAgent, sel.Decision.Reasoning), info)
	}

	p := o.plan(ctx, query, qctx, sel)
	info.Strategy = p.strategy
	info.Reasons = p.reasons

	byName := make(map[string]domain.Agent, len(agents))
	for _, a := range agents {
		byName[a.Name()] = a
	}
	steps := make([]domain.WorkflowStep, 0, len(p.agents))
	for i, name := range p.agents {
		a := byName[name]
		steps = append(steps, domain.WorkflowStep{
			ID:        fmt.Sprintf("step-%d", i+1),
			Agent:     a,
			AgentName: name,
			Query:     query,
			Context:   maps.Clone(qctx),
			Timeout:   domain.CallTimeout(a),
		})
	}

	switch p.strategy {
	case domain.StrategySingle:
		o.single.Add(1)
		out := o.engine.ExecuteSingle(ctx, steps[0])
		info.Steps = []domain.StepOutcome{out}
		if !out.Succeeded() {
			return o.runFallback(ctx, query, fmt.Sprintf("agent %q failed: %s", out.AgentName, out.Reason), info)
		}
		return responseFromResult(out.AgentName, out.Result), nil

	default:
		o.multi.Add(1)
		o.multiSteps.Add(uint64(len(steps)))
		info.MultiAgent = true

		var (
			outcomes []domain.StepOutcome
			err      error
		)
		if p.strategy == domain.StrategySequential {
			outcomes, err = o.engine.ExecuteSequential(ctx, steps)
		} else {
			outcomes, err = o.engine.ExecuteParallel(ctx, steps, o.cfg.MaxConcurrency)
		}
		info.Steps = outcomes
		if err != nil {
			return o.runFallback(ctx, query, failureSummary(err, outcomes), info)
		}
		return workflow.Synthesize(query, outcomes), nil
	}
}

// plan decides between single-agent and multi-agent execution.
//
// Multi-agent runs when enabled and either at least two qualified agents
// score at or above the multi-agent minimum, or the query looks like a
// multi-part request and at least two agents qualify. The top MaxAgents
// run. A "mode":"sequential" context runs them in order instead of in
// parallel.
func (o *Orchestrator) plan(ctx context.Context, query string, qctx map[string]any, sel Selection) execPlan {
	qualified := sel.Qualified()

	if o.cfg.EnableMultiAgent {
		var high []domain.CapabilityScore
		for _, c := range qualified {
			if c.Score >= o.cfg.MultiAgentMinScore {
				high = append(high, c)
			}
		}
		detected, reasons := o.engine.DetectMultiAgent(query)

		pool := high
		if len(pool) < 2 && detected {
			pool = qualified
		}
		if len(pool) >= 2 {
			if len(high) >= 2 {
				reasons = append([]string{fmt.Sprintf("%d agents scored at least %.2f", len(high), o.cfg.MultiAgentMinScore)}, reasons...)
			}
			names := make([]string, 0, o.cfg.MaxAgents)
			for _, c := range pool[:min(len(pool), o.cfg.MaxAgents)] {
				names = append(names, c.Agent)
			}
			strategy := domain.StrategyParallel
			if mode, _ := qctx[ModeKey].(string); mode == ModeSequential {
				strategy = domain.StrategySequential
			}
			o.logger.Info("multi-agent execution", "strategy", strategy, "agents", names, "reasons", reasons)
			return execPlan{strategy: strategy, agents: names, reasons: reasons}
		}
	}

	return execPlan{strategy: domain.StrategySingle, agents: []string{o.pickSingle(ctx, sel)}}
}

// pickSingle lets the picker choose among agents tied with the best on
// both score and CanHandle; otherwise the selector's best wins.
func (o *Orchestrator) pickSingle(ctx context.Context, sel Selection) string {
	best := sel.Best
	if o.picker == nil {
		return best.Agent
	}
	var tied []string
	for _, c := range sel.Qualified() {
		if c.Score == best.Score && c.Secondary == best.Secondary {
			tied = append(tied, c.Agent)
		}
	}
	if len(tied) < 2 {
		return best.Agent
	}
	name, err := o.picker.Pick(ctx, tied)
	if err != nil {
		o.logger.Warn("load balancer pick failed, using selector ranking", "error", err)
		return best.Agent
	}
	return name
}

// runFallback answers via the fallback handler (or the canned message).
func (o *Orchestrator) runFallback(ctx context.Context, query, reason string, info *domain.OrchestrationInfo) (*domain.Response, error) {
	o.fallbacks.Add(1)
	info.Strategy = domain.StrategyFallback
	o.logger.Info("executing fallback", "reason", reason)
	domain.PublishEvent(ctx, o.bus, domain.EventOrchestrationFallback, map[string]any{"reason": reason})

	if o.fallback == nil {
		return &domain.Response{
			Answer:    fmt.Sprintf("%s Reason: %s", o.cfg.FallbackMessage, reason),
			AgentName: FallbackAgentName,
			Reasoning: reason,
			Sources:   []string{},
			Metadata:  map[string]any{"fallback": true, "reason": reason},
		}, nil
	}

	res, err := o.callFallback(ctx, query, reason)
	if err != nil {
		return nil, domain.NewDomainError("Orchestrator.Fallback", domain.ErrFallbackFailed, err.Error())
	}
	if res == nil {
		res = &domain.AgentResult{Content: o.cfg.FallbackMessage}
	}
	resp := responseFromResult(FallbackAgentName, res)
	if resp.Reasoning == "" {
		resp.Reasoning = reason
	}
	resp.Metadata["fallback"] = true
	resp.Metadata["reason"] = reason
	return resp, nil
}

func (o *Orchestrator) callFallback(ctx context.Context, query, reason string) (res *domain.AgentResult, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("fallback handler panic: %v", rv)
		}
	}()
	return o.fallback.Handle(ctx, query, reason)
}

// AgentStatuses lists registered agents with their breaker state.
func (o *Orchestrator) AgentStatuses(probe StatusProbe) []domain.AgentStatus {
	return o.registry.List(probe)
}

// RecentDecisions returns the latest selector decisions, oldest first.
func (o *Orchestrator) RecentDecisions(limit int) []domain.SelectionDecision {
	return o.selector.RecentDecisions(limit)
}

// Metrics is a snapshot of the orchestrator counters.
type Metrics struct {
	TotalOrchestrations      uint64           `json:"total_orchestrations"`
	SingleAgentExecutions    uint64           `json:"single_agent_executions"`
	MultiAgentExecutions     uint64           `json:"multi_agent_executions"`
	FallbackExecutions       uint64           `json:"fallback_executions"`
	SuccessfulOrchestrations uint64           `json:"successful_orchestrations"`
	FailedOrchestrations     uint64           `json:"failed_orchestrations"`
	SuccessRate              float64          `json:"success_rate"`
	AvgAgentsPerMulti        float64          `json:"avg_agents_per_multi"`
	RegisteredAgents         int              `json:"registered_agents"`
	Selector                 SelectorMetrics  `json:"selector"`
	Workflow                 workflow.Metrics `json:"workflow"`
}

// Metrics returns a snapshot of orchestrator, selector and workflow counters.
func (o *Orchestrator) Metrics() Metrics {
	m := Metrics{
		TotalOrchestrations:      o.total.Load(),
		SingleAgentExecutions:    o.single.Load(),
		MultiAgentExecutions:     o.multi.Load(),
		FallbackExecutions:       o.fallbacks.Load(),
		SuccessfulOrchestrations: o.succeeded.Load(),
		FailedOrchestrations:     o.failed.Load(),
		RegisteredAgents:         o.registry.Len(),
		Selector:                 o.selector.Metrics(),
		Workflow:                 o.engine.Metrics(),
	}
	if m.TotalOrchestrations > 0 {
		m.SuccessRate = float64(m.SuccessfulOrchestrations) / float64(m.TotalOrchestrations)
	}
	if m.MultiAgentExecutions > 0 {
		m.AvgAgentsPerMulti = float64(o.multiSteps.Load()) / float64(m.MultiAgentExecutions)
	}
	return m
}

func responseFromResult(agent string, r *domain.AgentResult) *domain.Response {
	meta := make(map[string]any, len(r.Metadata)+2)
	maps.Copy(meta, r.Metadata)
	sources := r.Sources
	if sources == nil {
		sources = []string{}
	}
	return &domain.Response{
		Answer:     r.Content,
		AgentName:  agent,
		Confidence: r.Confidence,
		Reasoning:  r.Reasoning,
		Sources:    sources,
		Metadata:   meta,
	}
}

// failureSummary turns a failed workflow into a fallback reason listing
// each step's failure reason.
func failureSummary(err error, outcomes []domain.StepOutcome) string {
	if !errors.Is(err, domain.ErrAllBranchesFailed) || len(outcomes) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(outcomes))
	for _, out := range outcomes {
		parts = append(parts, fmt.Sprintf("%s=%s", out.AgentName, out.Reason))
	}
	return fmt.Sprintf("%s (%s)", domain.ErrAllBranchesFailed, strings.Join(parts, ", "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
