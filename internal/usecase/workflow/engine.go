// Package workflow executes agent steps singly, in dependency order or in
// bounded parallel, and merges their results.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/tracer"
)

// Defaults.
const (
	DefaultAgentTimeout   = 15 * time.Second
	DefaultTimeout        = 30 * time.Second
	DefaultMaxConcurrency = 3
)

// PreviousResultsKey is the query-context key under which sequential steps
// receive the results of earlier successful steps.
const PreviousResultsKey = "previous_results"

// PreviousResult is one entry of the previous_results context value.
type PreviousResult struct {
	StepID     string  `json:"step_id"`
	Agent      string  `json:"agent"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// Guard gates agent calls, typically a circuit breaker manager.
type Guard interface {
	Execute(agent string, fn func() (*domain.AgentResult, error)) (*domain.AgentResult, error)
}

// LoadTracker receives in-flight bookkeeping for each invocation.
type LoadTracker interface {
	RecordStart(agent string)
	RecordEnd(agent string, d time.Duration, success bool)
}

// Recorder receives one latency sample per invocation.
type Recorder interface {
	Record(agent, operation string, d time.Duration, success bool)
}

// Config controls timeouts, concurrency and multi-agent detection.
type Config struct {
	AgentTimeout       time.Duration
	Timeout            time.Duration
	MaxConcurrency     int
	MultiAgentPatterns []string
	ListMarkers        []string
}

// Engine runs workflow steps against agents.
type Engine struct {
	cfg    Config
	guard  Guard
	load   LoadTracker
	rec    Recorder
	bus    domain.EventBus
	logger *slog.Logger

	total      atomic.Uint64
	sequential atomic.Uint64
	parallel   atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	rejections atomic.Uint64
}

// New creates an Engine. bus may be nil.
func New(cfg Config, guard Guard, load LoadTracker, rec Recorder, bus domain.EventBus, logger *slog.Logger) *Engine {
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MultiAgentPatterns == nil {
		cfg.MultiAgentPatterns = DefaultMultiAgentPatterns
	}
	if cfg.ListMarkers == nil {
		cfg.ListMarkers = DefaultListMarkers
	}
	return &Engine{
		cfg:    cfg,
		guard:  guard,
		load:   load,
		rec:    rec,
		bus:    bus,
		logger: logger,
	}
}

// ExecuteSingle runs one step.
func (e *Engine) ExecuteSingle(ctx context.Context, step domain.WorkflowStep) domain.StepOutcome {
	e.total.Add(1)
	out := e.run(ctx, step)
	e.finish(out.Succeeded())
	return out
}

// ExecuteSequential runs steps in order. A step whose dependency did not
// succeed (or is unknown) is skipped and marked dependency_failed. Later
// steps see earlier successful results under PreviousResultsKey.
//
// The whole run is bounded by the engine timeout; steps not started by then
// are reported failed with reason timeout. The returned error is non-nil
// only for invalid input or when no step succeeded; outcomes are always
// returned in step order.
func (e *Engine) ExecuteSequential(ctx context.Context, steps []domain.WorkflowStep) ([]domain.StepOutcome, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	e.total.Add(1)
	e.sequential.Add(1)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "workflow.sequential",
		trace.WithAttributes(tracer.IntAttr("workflow.steps", len(steps))))
	defer span.End()

	outcomes := make([]domain.StepOutcome, 0, len(steps))
	succeeded := make(map[string]bool, len(steps))
	var previous []PreviousResult

	for _, step := range steps {
		name := stepAgentName(step)

		if dep, ok := firstUnmetDependency(step, succeeded); !ok {
			err := fmt.Errorf("step %q needs %q: %w", step.ID, dep, domain.ErrDependencyFailed)
			outcomes = append(outcomes, failedOutcome(step, name, domain.ReasonDependencyFailed, err, 0))
			e.logger.Debug("skipping workflow step", "step", step.ID, "agent", name, "dependency", dep)
			continue
		}
		if ctx.Err() != nil {
			outcomes = append(outcomes, unfinishedOutcome(step, ctx.Err()))
			continue
		}

		if len(previous) > 0 {
			qctx := make(map[string]any, len(step.Context)+1)
			maps.Copy(qctx, step.Context)
			qctx[PreviousResultsKey] = append([]PreviousResult(nil), previous...)
			step.Context = qctx
		}

		out := e.run(ctx, step)
		outcomes = append(outcomes, out)
		if out.Succeeded() {
			succeeded[step.ID] = true
			previous = append(previous, PreviousResult{
				StepID:     step.ID,
				Agent:      name,
				Content:    out.Result.Content,
				Confidence: out.Result.Confidence,
			})
		}
	}

	return e.conclude(span, outcomes)
}

// ExecuteParallel runs steps concurrently, at most maxConcurrency at a time
// (<= 0 uses the configured default). The join is bounded by the engine
// timeout; steps that have not finished by then are reported failed with
// reason timeout or canceled and their late results are discarded.
func (e *Engine) ExecuteParallel(ctx context.Context, steps []domain.WorkflowStep, maxConcurrency int) ([]domain.StepOutcome, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	if maxConcurrency <= 0 {
		maxConcurrency = e.cfg.MaxConcurrency
	}
	e.total.Add(1)
	e.parallel.Add(1)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "workflow.parallel",
		trace.WithAttributes(
			tracer.IntAttr("workflow.steps", len(steps)),
			tracer.IntAttr("workflow.max_concurrency", maxConcurrency),
		))
	defer span.End()

	var (
		mu       sync.Mutex
		joined   bool
		done     = make([]bool, len(steps))
		outcomes = make([]domain.StepOutcome, len(steps))
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrency)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i, step := range steps {
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				out := e.run(ctx, step)
				mu.Lock()
				if !joined {
					outcomes[i], done[i] = out, true
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	joined = true
	for i, step := range steps {
		if !done[i] {
			cause := ctx.Err()
			if cause == nil {
				cause = context.Canceled
			}
			outcomes[i] = unfinishedOutcome(step, cause)
		}
	}
	result := append([]domain.StepOutcome(nil), outcomes...)
	mu.Unlock()

	return e.conclude(span, result)
}

func (e *Engine) conclude(span trace.Span, outcomes []domain.StepOutcome) ([]domain.StepOutcome, error) {
	ok := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			ok++
		}
	}
	span.SetAttributes(tracer.IntAttr("workflow.succeeded", ok))
	e.finish(ok > 0)
	if ok == 0 {
		tracer.RecordError(span, domain.ErrAllBranchesFailed)
		return outcomes, domain.ErrAllBranchesFailed
	}
	tracer.SetOK(span)
	return outcomes, nil
}

func (e *Engine) finish(ok bool) {
	if ok {
		e.succeeded.Add(1)
	} else {
		e.failed.Add(1)
	}
}

// run performs one guarded invocation: breaker gate, load start, timed
// Process, breaker outcome, load end, monitor sample.
func (e *Engine) run(ctx context.Context, step domain.WorkflowStep) domain.StepOutcome {
	name := stepAgentName(step)
	ctx, span := tracer.StartSpan(ctx, "workflow.step",
		trace.WithAttributes(
			tracer.StringAttr("agent.name", name),
			tracer.StringAttr("step.id", step.ID),
		))
	defer span.End()

	if step.Agent == nil {
		err := fmt.Errorf("step %q agent %q: %w", step.ID, name, domain.ErrNotFound)
		tracer.RecordError(span, err)
		return failedOutcome(step, name, domain.ReasonAgentError, err, 0)
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = domain.CallTimeout(step.Agent)
	}
	if timeout <= 0 {
		timeout = e.cfg.AgentTimeout
	}

	var (
		invoked bool
		began   time.Time
		elapsed time.Duration
	)
	res, err := e.guard.Execute(name, func() (res *domain.AgentResult, err error) {
		invoked = true
		began = time.Now()
		e.load.RecordStart(name)

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("agent panicked", "agent", name, "panic", r)
				res, err = nil, fmt.Errorf("agent %q panicked: %v: %w", name, r, domain.ErrAgentFailed)
			}
			elapsed = time.Since(began)
		}()

		res, err = step.Agent.Process(callCtx, step.Query, step.Context)
		if err == nil && res == nil {
			err = fmt.Errorf("agent %q returned no result: %w", name, domain.ErrAgentFailed)
		}
		if err != nil {
			err = classify(ctx, callCtx, name, err)
		}
		return res, err
	})

	if !invoked {
		e.rejections.Add(1)
		e.logger.Debug("agent call rejected by circuit breaker", "agent", name)
		domain.PublishEvent(ctx, e.bus, domain.EventAgentRejected, map[string]string{
			"agent": name, "step_id": step.ID,
		})
		tracer.RecordError(span, err)
		return failedOutcome(step, name, domain.ReasonCircuitOpen, err, 0)
	}

	ok := err == nil
	e.load.RecordEnd(name, elapsed, ok)
	e.rec.Record(name, "process", elapsed, ok)
	span.SetAttributes(tracer.BoolAttr("step.success", ok))

	if !ok {
		reason := reasonOf(err)
		e.logger.Warn("agent call failed", "agent", name, "step", step.ID, "reason", reason, "error", err)
		domain.PublishEvent(ctx, e.bus, domain.EventAgentFailed, map[string]any{
			"agent": name, "step_id": step.ID, "reason": reason, "duration_ms": elapsed.Milliseconds(),
		})
		tracer.RecordError(span, err)
		return failedOutcome(step, name, reason, err, elapsed)
	}

	domain.PublishEvent(ctx, e.bus, domain.EventAgentCompleted, map[string]any{
		"agent": name, "step_id": step.ID, "duration_ms": elapsed.Milliseconds(),
	})
	tracer.SetOK(span)
	return domain.StepOutcome{
		StepID:    step.ID,
		AgentName: name,
		Status:    domain.StepCompleted,
		Result:    res,
		Duration:  elapsed,
	}
}

// classify maps context failures onto the orchestration sentinels.
func classify(parent, call context.Context, agent string, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return fmt.Errorf("agent %q: %w: %w", agent, domain.ErrAgentCanceled, err)
	case parent.Err() != nil, errors.Is(call.Err(), context.DeadlineExceeded):
		return fmt.Errorf("agent %q: %w: %w", agent, domain.ErrAgentTimeout, err)
	case errors.Is(err, domain.ErrAgentTimeout):
		return fmt.Errorf("agent %q: %w", agent, err)
	case errors.Is(err, domain.ErrAgentFailed):
		return err
	default:
		return fmt.Errorf("agent %q: %w: %w", agent, domain.ErrAgentFailed, err)
	}
}

func reasonOf(err error) domain.FailureReason {
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		return domain.ReasonCircuitOpen
	case errors.Is(err, domain.ErrAgentCanceled):
		return domain.ReasonCanceled
	case errors.Is(err, domain.ErrAgentTimeout):
		return domain.ReasonTimeout
	case errors.Is(err, domain.ErrDependencyFailed):
		return domain.ReasonDependencyFailed
	default:
		return domain.ReasonAgentError
	}
}

func failedOutcome(step domain.WorkflowStep, name string, reason domain.FailureReason, err error, d time.Duration) domain.StepOutcome {
	out := domain.StepOutcome{
		StepID:    step.ID,
		AgentName: name,
		Status:    domain.StepFailed,
		Reason:    reason,
		Duration:  d,
		Err:       err,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// unfinishedOutcome reports a step that never completed because ctx ended.
func unfinishedOutcome(step domain.WorkflowStep, cause error) domain.StepOutcome {
	name := stepAgentName(step)
	if errors.Is(cause, context.DeadlineExceeded) {
		return failedOutcome(step, name, domain.ReasonTimeout,
			fmt.Errorf("step %q: %w", step.ID, domain.ErrAgentTimeout), 0)
	}
	return failedOutcome(step, name, domain.ReasonCanceled,
		fmt.Errorf("step %q: %w", step.ID, domain.ErrAgentCanceled), 0)
}

func stepAgentName(step domain.WorkflowStep) string {
	if step.AgentName != "" {
		return step.AgentName
	}
	if step.Agent != nil {
		return step.Agent.Name()
	}
	return ""
}

func firstUnmetDependency(step domain.WorkflowStep, succeeded map[string]bool) (string, bool) {
	for _, dep := range step.DependsOn {
		if !succeeded[dep] {
			return dep, false
		}
	}
	return "", true
}

func validateSteps(steps []domain.WorkflowStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("workflow: no steps: %w", domain.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("workflow: step without id: %w", domain.ErrInvalidInput)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow: duplicate step id %q: %w", s.ID, domain.ErrInvalidInput)
		}
		seen[s.ID] = true
	}
	return nil
}

// Metrics are the engine's lifetime counters.
type Metrics struct {
	TotalWorkflows       uint64 `json:"total_workflows"`
	SequentialExecutions uint64 `json:"sequential_executions"`
	ParallelExecutions   uint64 `json:"parallel_executions"`
	SuccessfulWorkflows  uint64 `json:"successful_workflows"`
	FailedWorkflows      uint64 `json:"failed_workflows"`
	BreakerRejections    uint64 `json:"circuit_breaker_rejections"`
}

// Metrics returns a snapshot of the engine counters.
func (e *Engine) Metrics() Metrics {
	return Metrics{
		TotalWorkflows:       e.total.Load(),
		SequentialExecutions: e.sequential.Load(),
		ParallelExecutions:   e.parallel.Load(),
		SuccessfulWorkflows:  e.succeeded.Load(),
		FailedWorkflows:      e.failed.Load(),
		BreakerRejections:    e.rejections.Load(),
	}
}
