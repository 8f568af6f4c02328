package multiagent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/usecase/breaker"
	"agent-orchestrator/internal/usecase/loadbalancer"
	"agent-orchestrator/internal/usecase/monitor"
	"agent-orchestrator/internal/usecase/workflow"
)

type orchFixture struct {
	orch     *Orchestrator
	registry *Registry
	selector *Selector
	lb       *loadbalancer.Balancer
	mon      *monitor.Monitor
	sessions *SessionStore
	bus      *recordingBus
}

type orchOption func(*OrchestratorConfig, *OrchestratorDeps)

func withFallback(h domain.FallbackHandler) orchOption {
	return func(_ *OrchestratorConfig, d *OrchestratorDeps) { d.Fallback = h }
}

func withoutMultiAgent() orchOption {
	return func(c *OrchestratorConfig, _ *OrchestratorDeps) { c.EnableMultiAgent = false }
}

func newOrchFixture(t *testing.T, store domain.KeywordStore, agents []domain.Agent, opts ...orchOption) *orchFixture {
	t.Helper()
	log := testLogger()
	f := &orchFixture{
		registry: NewRegistry(log),
		lb:       loadbalancer.New(config.LoadBalancerConfig{Strategy: "round_robin"}, log, nil),
		mon:      monitor.New(monitor.Config{TrackOperations: true}, log),
		sessions: NewSessionStore(5, time.Hour, nil),
		bus:      &recordingBus{},
	}
	breakers := breaker.NewManager(config.BreakerConfig{
		FailureThreshold:  5,
		SuccessThreshold:  2,
		Timeout:           time.Minute,
		SlowCallThreshold: 10 * time.Second,
	}, log, nil)
	engine := workflow.New(workflow.Config{AgentTimeout: time.Second, Timeout: 2 * time.Second}, breakers, f.lb, f.mon, nil, log)
	f.selector = NewSelector(SelectorConfig{}, store, f.lb, log)

	for _, a := range agents {
		require.NoError(t, f.registry.Register(a))
	}

	cfg := OrchestratorConfig{EnableMultiAgent: true}
	deps := OrchestratorDeps{
		Registry: f.registry,
		Selector: f.selector,
		Engine:   engine,
		Logger:   log,
		Picker:   f.lb,
		Sessions: f.sessions,
		Bus:      f.bus,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.orch = NewOrchestrator(cfg, deps)
	return f
}

func researchKeywords() *domain.AgentKeywords {
	return domain.NewAgentKeywords("Research", map[string][]string{
		"search":   {"find", "papers"},
		"analysis": {"analyze", "transformers"},
	}, 0.3)
}

func TestOrchestrateSelectsDocumentSearch(t *testing.T) {
	store := newMemStore(docSearchKeywords(), comparisonKeywords())
	docs, cmp := newStub("DocumentSearch", "search", "synthesis"), newStub("Comparison", "comparison")
	f := newOrchFixture(t, store, []domain.Agent{docs, cmp})

	ctx := domain.ContextWithRequestID(context.Background(), "req-1")
	resp, err := f.orch.Orchestrate(ctx, Request{Query: "find and synthesize papers about transformers"})
	require.NoError(t, err)

	assert.Equal(t, "DocumentSearch", resp.AgentName)
	assert.Equal(t, "DocumentSearch answer", resp.Answer)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.NotEmpty(t, resp.SessionID)
	require.NotNil(t, resp.Orchestration)
	assert.Equal(t, domain.StrategySingle, resp.Orchestration.Strategy)
	assert.False(t, resp.Orchestration.MultiAgent)
	assert.Equal(t, 1.0, resp.Orchestration.Decision.AllScores["DocumentSearch"])
	assert.Equal(t, 0.0, resp.Orchestration.Decision.AllScores["Comparison"])
	assert.Len(t, resp.Orchestration.Steps, 1)

	assert.Equal(t, int32(1), docs.calls.Load())
	assert.Zero(t, cmp.calls.Load())
	assert.True(t, f.mon.HasAgent("DocumentSearch"))
	assert.True(t, f.bus.has(domain.EventOrchestrationStarted))
	assert.True(t, f.bus.has(domain.EventOrchestrationCompleted))

	m := f.orch.Metrics()
	assert.Equal(t, uint64(1), m.TotalOrchestrations)
	assert.Equal(t, uint64(1), m.SingleAgentExecutions)
	assert.Equal(t, uint64(1), m.SuccessfulOrchestrations)
	assert.Equal(t, 2, m.RegisteredAgents)
}

func TestOrchestrateParallelPartialFailure(t *testing.T) {
	kw := func(name string) *domain.AgentKeywords {
		return domain.NewAgentKeywords(name, map[string][]string{"topic": {"transformers"}}, 0.3)
	}
	store := newMemStore(kw("a"), kw("b"), kw("c"))
	bad := failing(newStub("b"))
	f := newOrchFixture(t, store, []domain.Agent{newStub("a"), bad, newStub("c")})

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "explain transformers"})
	require.NoError(t, err)

	assert.Equal(t, workflow.MultiAgentName, resp.AgentName)
	assert.Equal(t, domain.StrategyParallel, resp.Orchestration.Strategy)
	assert.True(t, resp.Orchestration.MultiAgent)
	assert.Len(t, resp.Orchestration.Steps, 3)
	assert.Equal(t, 2, strings.Count(resp.Answer, "### Analysis "))
	assert.Contains(t, resp.Answer, "### Analysis 1 (a)")
	assert.Contains(t, resp.Answer, "### Analysis 2 (c)")
	assert.NotContains(t, resp.Answer, "(b)")
	assert.Equal(t, 2, resp.Metadata["agent_count"])

	rep := f.mon.Report("b")
	assert.Equal(t, 1, rep.Failed, "the failing branch is recorded, not raised")
	assert.Equal(t, uint64(1), f.orch.Metrics().MultiAgentExecutions)
}

func TestOrchestrateCapsMultiAgentAtMaxAgents(t *testing.T) {
	var (
		cfgs   []*domain.AgentKeywords
		agents []domain.Agent
	)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		cfgs = append(cfgs, domain.NewAgentKeywords(n, map[string][]string{"topic": {"transformers"}}, 0.3))
		agents = append(agents, newStub(n))
	}
	f := newOrchFixture(t, newMemStore(cfgs...), agents)

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "transformers"})
	require.NoError(t, err)
	assert.Len(t, resp.Orchestration.Steps, DefaultMaxAgents)
	assert.Equal(t, 3, resp.Metadata["agent_count"])
}

func TestOrchestrateDetectionEnablesMultiAgent(t *testing.T) {
	// Each agent scores 1/3: qualified, but below the multi-agent minimum.
	lo := func(name, kw string) *domain.AgentKeywords {
		return domain.NewAgentKeywords(name, map[string][]string{"x": {kw}, "y": {"zzz-never"}, "z": {"qqq-never"}}, 0.3)
	}
	store := newMemStore(lo("pricing", "price"), lo("reviews", "review"))
	agents := []domain.Agent{newStub("pricing"), newStub("reviews")}

	f := newOrchFixture(t, store, agents)
	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "price as well as review"})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyParallel, resp.Orchestration.Strategy)
	assert.Contains(t, resp.Orchestration.Reasons, workflow.ReasonPatternPrefix+"as well as")

	f = newOrchFixture(t, store, agents)
	resp, err = f.orch.Orchestrate(context.Background(), Request{Query: "price and review"})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySingle, resp.Orchestration.Strategy, "scores of 0.33 alone do not trigger multi-agent")
}

func TestOrchestrateMultiAgentDisabled(t *testing.T) {
	store := newMemStore(docSearchKeywords(), researchKeywords())
	f := newOrchFixture(t, store, []domain.Agent{newStub("DocumentSearch"), newStub("Research")}, withoutMultiAgent())

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "find and synthesize papers about transformers"})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySingle, resp.Orchestration.Strategy)
}

func TestOrchestrateSequentialMode(t *testing.T) {
	store := newMemStore(docSearchKeywords(), researchKeywords())
	docs, research := newStub("DocumentSearch"), newStub("Research")
	f := newOrchFixture(t, store, []domain.Agent{docs, research})

	resp, err := f.orch.Orchestrate(context.Background(), Request{
		Query:   "find and synthesize papers about transformers",
		Context: map[string]any{ModeKey: ModeSequential},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategySequential, resp.Orchestration.Strategy)
	require.Len(t, resp.Orchestration.Steps, 2)

	// DocumentSearch ranks first (1.0 vs 1.0 tie broken by name), so Research
	// runs second and sees its result.
	prev, ok := research.seenContext()[workflow.PreviousResultsKey].([]workflow.PreviousResult)
	require.True(t, ok)
	require.Len(t, prev, 1)
	assert.Equal(t, "DocumentSearch", prev[0].Agent)
}

func TestOrchestrateNoQualifyingAgentFallsBack(t *testing.T) {
	f := newOrchFixture(t, newMemStore(comparisonKeywords()), []domain.Agent{newStub("Comparison")})

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "tell me a joke"})
	require.NoError(t, err)
	assert.Equal(t, FallbackAgentName, resp.AgentName)
	assert.Equal(t, true, resp.Metadata["fallback"])
	assert.Contains(t, resp.Metadata["reason"], domain.ErrNoQualifyingAgent.Error())
	assert.True(t, strings.HasPrefix(resp.Answer, DefaultFallbackMessage))
	assert.Equal(t, domain.StrategyFallback, resp.Orchestration.Strategy)
	assert.True(t, resp.Orchestration.Decision.UseFallback)
	assert.True(t, f.bus.has(domain.EventOrchestrationFallback))
	assert.Equal(t, uint64(1), f.orch.Metrics().FallbackExecutions)
}

func TestOrchestrateCustomFallbackHandler(t *testing.T) {
	var gotReason string
	h := domain.FallbackFunc(func(_ context.Context, query, reason string) (*domain.AgentResult, error) {
		gotReason = reason
		return &domain.AgentResult{Content: "classic answer for " + query, Metadata: map[string]any{"engine": "rag"}}, nil
	})
	f := newOrchFixture(t, newMemStore(comparisonKeywords()), []domain.Agent{newStub("Comparison")}, withFallback(h))

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "tell me a joke"})
	require.NoError(t, err)
	assert.Equal(t, "classic answer for tell me a joke", resp.Answer)
	assert.Equal(t, "rag", resp.Metadata["engine"])
	assert.Equal(t, true, resp.Metadata["fallback"])
	assert.Equal(t, gotReason, resp.Metadata["reason"])
	assert.Equal(t, gotReason, resp.Reasoning)
}

func TestOrchestrateFallbackFailureSurfaces(t *testing.T) {
	h := domain.FallbackFunc(func(context.Context, string, string) (*domain.AgentResult, error) {
		return nil, errors.New("rag offline")
	})
	f := newOrchFixture(t, newMemStore(), []domain.Agent{newStub("x")}, withFallback(h))

	_, err := f.orch.Orchestrate(context.Background(), Request{Query: "anything"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFallbackFailed)
	assert.Equal(t, uint64(1), f.orch.Metrics().FailedOrchestrations)
}

func TestOrchestrateFallbackPanicIsRecovered(t *testing.T) {
	h := domain.FallbackFunc(func(context.Context, string, string) (*domain.AgentResult, error) {
		panic("boom")
	})
	f := newOrchFixture(t, newMemStore(), []domain.Agent{newStub("x")}, withFallback(h))

	_, err := f.orch.Orchestrate(context.Background(), Request{Query: "anything"})
	assert.ErrorIs(t, err, domain.ErrFallbackFailed)
}

func TestOrchestrateEmptyRegistry(t *testing.T) {
	f := newOrchFixture(t, newMemStore(), nil)
	_, err := f.orch.Orchestrate(context.Background(), Request{Query: "q"})
	assert.ErrorIs(t, err, domain.ErrRegistryEmpty)

	h := domain.FallbackFunc(func(context.Context, string, string) (*domain.AgentResult, error) {
		return &domain.AgentResult{Content: "default"}, nil
	})
	f = newOrchFixture(t, newMemStore(), nil, withFallback(h))
	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "default", resp.Answer)
	assert.Equal(t, domain.StrategyFallback, resp.Orchestration.Strategy)
}

func TestOrchestrateSingleAgentFailureFallsBack(t *testing.T) {
	docs := failing(newStub("DocumentSearch"))
	f := newOrchFixture(t, newMemStore(docSearchKeywords()), []domain.Agent{docs})

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "find the report"})
	require.NoError(t, err, "agent errors are never surfaced")
	assert.Equal(t, FallbackAgentName, resp.AgentName)
	assert.Contains(t, resp.Reasoning, string(domain.ReasonAgentError))
	assert.NotContains(t, resp.Answer, "backend down")
	require.Len(t, resp.Orchestration.Steps, 1)
	assert.Equal(t, domain.StepFailed, resp.Orchestration.Steps[0].Status)
}

func TestOrchestrateAllBranchesFailedFallsBack(t *testing.T) {
	store := newMemStore(docSearchKeywords(), researchKeywords())
	f := newOrchFixture(t, store, []domain.Agent{failing(newStub("DocumentSearch")), failing(newStub("Research"))})

	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "find and synthesize papers about transformers"})
	require.NoError(t, err)
	assert.Equal(t, FallbackAgentName, resp.AgentName)
	assert.Contains(t, resp.Metadata["reason"], domain.ErrAllBranchesFailed.Error())
	assert.True(t, resp.Orchestration.MultiAgent)
	assert.Len(t, resp.Orchestration.Steps, 2)
}

func TestOrchestrateRejectsEmptyQuery(t *testing.T) {
	f := newOrchFixture(t, newMemStore(), []domain.Agent{newStub("x")})
	_, err := f.orch.Orchestrate(context.Background(), Request{Query: "   "})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOrchestrateSessionHistory(t *testing.T) {
	docs := newStub("DocumentSearch")
	f := newOrchFixture(t, newMemStore(docSearchKeywords()), []domain.Agent{docs})
	ctx := context.Background()

	first, err := f.orch.Orchestrate(ctx, Request{Query: "find the design doc"})
	require.NoError(t, err)

	_, err = f.orch.Orchestrate(ctx, Request{Query: "now summarize it", SessionID: first.SessionID})
	require.NoError(t, err)

	history, ok := docs.seenContext()[HistoryKey].([]Turn)
	require.True(t, ok)
	require.Len(t, history, 1)
	assert.Equal(t, "find the design doc", history[0].Query)
	assert.Equal(t, "DocumentSearch", history[0].AgentName)

	sess, err := f.sessions.Get(first.SessionID)
	require.NoError(t, err)
	assert.Len(t, sess.History(), 2)
}

func TestOrchestrateLoadBalancerBreaksExactTies(t *testing.T) {
	kw := func(name string) *domain.AgentKeywords {
		return domain.NewAgentKeywords(name, map[string][]string{"search": {"find"}, "other": {"zzz"}, "more": {"qqq"}}, 0.3)
	}
	store := newMemStore(kw("alpha"), kw("beta"))
	alpha, beta := newStub("alpha"), newStub("beta")
	f := newOrchFixture(t, store, []domain.Agent{alpha, beta}, withoutMultiAgent())

	for i := 0; i < 4; i++ {
		_, err := f.orch.Orchestrate(context.Background(), Request{Query: "find it"})
		require.NoError(t, err)
	}
	// Round robin spreads tied agents evenly.
	assert.Equal(t, int32(2), alpha.calls.Load())
	assert.Equal(t, int32(2), beta.calls.Load())
}

func TestRecentDecisionsThroughOrchestrator(t *testing.T) {
	f := newOrchFixture(t, newMemStore(docSearchKeywords()), []domain.Agent{newStub("DocumentSearch")})
	for _, q := range []string{"find a", "hello", "search b"} {
		_, err := f.orch.Orchestrate(context.Background(), Request{Query: q})
		require.NoError(t, err)
	}
	d := f.orch.RecentDecisions(2)
	require.Len(t, d, 2)
	assert.True(t, d[0].UseFallback)
	assert.Equal(t, "DocumentSearch", d[1].SelectedAgent)
}

type timedStub struct {
	*stubAgent
	timeout time.Duration
}

func (a timedStub) Timeout() time.Duration { return a.timeout }

func TestOrchestrateHonorsAgentTimeout(t *testing.T) {
	docs := newStub("DocumentSearch")
	docs.processFn = func(ctx context.Context, _ string, _ map[string]any) (*domain.AgentResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f := newOrchFixture(t, newMemStore(docSearchKeywords()), []domain.Agent{timedStub{docs, 30 * time.Millisecond}})

	start := time.Now()
	resp, err := f.orch.Orchestrate(context.Background(), Request{Query: "find the report"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "agent timeout is shorter than the engine default")

	assert.Equal(t, FallbackAgentName, resp.AgentName)
	require.Len(t, resp.Orchestration.Steps, 1)
	assert.Equal(t, 30*time.Millisecond, domain.CallTimeout(f.registry.Agents()[0]))
	assert.Equal(t, domain.ReasonTimeout, resp.Orchestration.Steps[0].Reason)
	assert.Contains(t, resp.Reasoning, string(domain.ReasonTimeout))

	r := f.mon.Report("DocumentSearch")
	assert.Equal(t, 1, r.TotalRequests)
	assert.Equal(t, 1, r.Failed)
}
