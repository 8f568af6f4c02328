package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-orchestrator/internal/adapter/agent"
	kwstore "agent-orchestrator/internal/adapter/keywords"
	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/usecase/breaker"
	"agent-orchestrator/internal/usecase/keywords"
	"agent-orchestrator/internal/usecase/loadbalancer"
	"agent-orchestrator/internal/usecase/monitor"
	"agent-orchestrator/internal/usecase/multiagent"
	"agent-orchestrator/internal/usecase/scheduling"
	"agent-orchestrator/internal/usecase/workflow"
)

const apiToken = "test-token"

type apiFixture struct {
	deps HandlerDeps
	srv  *Server
	http *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := discardLogger()

	store := kwstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, domain.NewAgentKeywords("DocumentSearch", map[string][]string{
		"search":    {"find", "search"},
		"synthesis": {"synthesize", "summarize"},
	}, 0.3)))
	require.NoError(t, store.Save(ctx, domain.NewAgentKeywords("Comparison", map[string][]string{
		"comparison": {"compare", "versus"},
	}, 0.3)))

	lb := loadbalancer.New(config.LoadBalancerConfig{Strategy: "round_robin"}, log, nil)
	mon := monitor.New(monitor.Config{TrackOperations: true}, log)
	breakers := breaker.NewManager(config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
	}, log, nil)
	engine := workflow.New(workflow.Config{AgentTimeout: time.Second, Timeout: 2 * time.Second}, breakers, lb, mon, nil, log)
	selector := multiagent.NewSelector(multiagent.SelectorConfig{}, store, lb, log)

	registry := multiagent.NewRegistry(log)
	require.NoError(t, registry.Register(agent.NewKeywordAgent(agent.KeywordAgentConfig{
		Name:         "DocumentSearch",
		Capabilities: map[string][]string{"search": {"find"}, "synthesis": {"synthesize"}},
	})))
	require.NoError(t, registry.Register(agent.NewKeywordAgent(agent.KeywordAgentConfig{
		Name:         "Comparison",
		Capabilities: map[string][]string{"comparison": {"compare"}},
	})))

	orch := multiagent.NewOrchestrator(multiagent.OrchestratorConfig{EnableMultiAgent: true}, multiagent.OrchestratorDeps{
		Registry: registry,
		Selector: selector,
		Engine:   engine,
		Logger:   log,
		Picker:   lb,
		Sessions: multiagent.NewSessionStore(5, time.Hour, nil),
	})

	sched := scheduling.NewScheduler(log, nil)
	scheduling.RegisterBuiltinActions(sched, scheduling.ActionDeps{Breakers: breakers, Logger: log})
	require.NoError(t, sched.AddTask(scheduling.ScheduledTask{Name: "breakers", Schedule: "1h", Action: scheduling.ActionResetBreakers}))

	f := &apiFixture{
		deps: HandlerDeps{
			Orchestrator: orch,
			Selector:     selector,
			Monitor:      mon,
			Breakers:     breakers,
			Balancer:     lb,
			Keywords:     keywords.NewManager(store, selector, nil, log),
			Scheduler:    sched,
			Logger:       log,
			Version:      "test",
		},
	}
	f.srv = NewServer(nil, newTestAuth(), "127.0.0.1:0", log)
	RegisterRoutes(f.srv, f.deps)
	RegisterRPC(f.srv, f.deps)
	f.http = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.http.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rdr = strings.NewReader(s)
		} else {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			rdr = bytes.NewReader(b)
		}
	}
	req, err := http.NewRequest(method, f.http.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *apiFixture) orchestrate(t *testing.T, query string) domain.Response {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/orchestrate", OrchestrateRequest{Query: query})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out domain.Response
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

func TestHealthIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestAPIRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/api/agents", "/metrics", "/api/performance/health"} {
		resp, err := http.Get(f.http.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestOrchestrateSelectsAgent(t *testing.T) {
	f := newAPIFixture(t)
	out := f.orchestrate(t, "find and synthesize papers about transformers")

	assert.Equal(t, "DocumentSearch", out.AgentName)
	assert.Contains(t, out.Answer, "find and synthesize papers")
	assert.NotEmpty(t, out.SessionID)
	require.NotNil(t, out.Orchestration)
	assert.Equal(t, 1.0, out.Orchestration.Decision.AllScores["DocumentSearch"])
}

func TestOrchestrateFallback(t *testing.T) {
	f := newAPIFixture(t)
	out := f.orchestrate(t, "what is the weather")
	assert.Equal(t, multiagent.FallbackAgentName, out.AgentName)
	assert.Equal(t, true, out.Metadata["fallback"])
}

func TestOrchestrateRejectsBadBodies(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/orchestrate", `{"query": "x", "bogus": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(domain.CodeInvalidInput), decode[errorResponse](t, body).Code)

	resp, _ = f.do(t, http.MethodPost, "/api/orchestrate", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/orchestrate", OrchestrateRequest{Query: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentsListIncludesBreakerState(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[struct {
		Agents []domain.AgentStatus `json:"agents"`
	}](t, body)
	require.Len(t, out.Agents, 2)
	for _, a := range out.Agents {
		assert.Equal(t, breaker.StateClosed, a.BreakerState)
		assert.True(t, a.Healthy)
	}
}

func TestPerformanceEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.orchestrate(t, "find the paper")
	f.orchestrate(t, "compare go versus rust")

	resp, body := f.do(t, http.MethodGet, "/api/performance/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pm := decode[PerformanceMetrics](t, body)
	assert.Equal(t, 2, pm.Global.TotalRequests)
	assert.Equal(t, uint64(2), pm.Orchestrator.TotalOrchestrations)
	assert.Equal(t, loadbalancer.RoundRobin, pm.LoadBalancer.Strategy)
	assert.Len(t, pm.LoadBalancer.Agents, 2)
	assert.Equal(t, domain.HealthHealthy, pm.Health.Status)

	resp, body = f.do(t, http.MethodGet, "/api/performance/agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.ElementsMatch(t, []string{"DocumentSearch", "Comparison"},
		decode[map[string][]string](t, body)["agents"])

	resp, body = f.do(t, http.MethodGet, "/api/performance/agents/Comparison", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ab := decode[AgentBreakdown](t, body)
	assert.Equal(t, 1, ab.Metrics.TotalRequests)
	assert.Equal(t, breaker.StateClosed, ab.Breaker)

	resp, body = f.do(t, http.MethodGet, "/api/performance/agents/Nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(domain.CodeAgentNotFound), decode[errorResponse](t, body).Code)

	resp, body = f.do(t, http.MethodGet, "/api/performance/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[domain.PerformanceReport](t, body).Agents, 2)
}

func TestSlowAndFailingAgentQueries(t *testing.T) {
	f := newAPIFixture(t)
	f.orchestrate(t, "find the paper")

	resp, body := f.do(t, http.MethodGet, "/api/performance/slow-agents?threshold_ms=0.000001", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"agents":[`)

	resp, body = f.do(t, http.MethodGet, "/api/performance/failing-agents", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"agents":[]`)

	resp, _ = f.do(t, http.MethodGet, "/api/performance/slow-agents?threshold_ms=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/performance/failing-agents?threshold_rate=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCircuitBreakerReset(t *testing.T) {
	f := newAPIFixture(t)
	f.orchestrate(t, "find the paper")

	resp, body := f.do(t, http.MethodGet, "/api/performance/circuit-breakers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name":"DocumentSearch"`)

	resp, body = f.do(t, http.MethodPost, "/api/performance/circuit-breakers/DocumentSearch/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[BreakerResetResult](t, body)
	assert.False(t, res.Reset, "closed breaker is left unchanged")
	assert.Equal(t, breaker.StateClosed, res.State)

	resp, body = f.do(t, http.MethodPost, "/api/performance/circuit-breakers/Nobody/reset", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(domain.CodeNotFound), decode[errorResponse](t, body).Code)
}

func TestPerformanceReset(t *testing.T) {
	f := newAPIFixture(t)
	f.orchestrate(t, "find the paper")
	require.True(t, f.deps.Monitor.HasAgent("DocumentSearch"))

	resp, _ := f.do(t, http.MethodPost, "/api/performance/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, f.deps.Monitor.Report("").TotalRequests)
}

func TestLoadBalancerStrategy(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/load-balancer/strategy", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"strategy":"round_robin"}`, string(body))

	resp, body = f.do(t, http.MethodPut, "/api/load-balancer/strategy", map[string]string{"strategy": "least_connections"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"strategy":"least_connections"}`, string(body))
	assert.Equal(t, loadbalancer.LeastConnections, f.deps.Balancer.Strategy())

	resp, _ = f.do(t, http.MethodPut, "/api/load-balancer/strategy", map[string]string{"strategy": "fastest"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, loadbalancer.LeastConnections, f.deps.Balancer.Strategy())
}

func TestSelectorDecisions(t *testing.T) {
	f := newAPIFixture(t)
	f.orchestrate(t, "find the paper")
	f.orchestrate(t, "hello there")

	resp, body := f.do(t, http.MethodGet, "/api/selector/decisions?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		Decisions []domain.SelectionDecision `json:"decisions"`
		Metrics   multiagent.SelectorMetrics `json:"metrics"`
	}](t, body)
	require.Len(t, out.Decisions, 1)
	assert.True(t, out.Decisions[0].UseFallback)
	assert.Equal(t, uint64(2), out.Metrics.TotalSelections)

	resp, _ = f.do(t, http.MethodGet, "/api/selector/decisions?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestKeywordAdministration(t *testing.T) {
	f := newAPIFixture(t)

	// "contrast" is unknown until added.
	out := f.orchestrate(t, "contrast the two")
	assert.Equal(t, multiagent.FallbackAgentName, out.AgentName)

	resp, body := f.do(t, http.MethodPost, "/api/keywords/Comparison/capabilities/comparison/keywords",
		map[string]string{"keyword": "Contrast"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	cfg := decode[domain.AgentKeywords](t, body)
	assert.Contains(t, cfg.Capabilities["comparison"].Keywords, "contrast")

	out = f.orchestrate(t, "contrast the two")
	assert.Equal(t, "Comparison", out.AgentName)

	resp, body = f.do(t, http.MethodPost, "/api/keywords/Comparison/test", map[string]string{"query": "contrast x"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	act := decode[keywords.Activation](t, body)
	assert.True(t, act.WouldActivate)

	resp, _ = f.do(t, http.MethodDelete, "/api/keywords/Comparison/capabilities/comparison/keywords/contrast", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/keywords/Comparison/capabilities/comparison/keywords/contrast", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestKeywordThresholdAndToggles(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/keywords/DocumentSearch/threshold", map[string]float64{"threshold": 0.9})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.9, decode[domain.AgentKeywords](t, body).Threshold)

	resp, body = f.do(t, http.MethodPut, "/api/keywords/DocumentSearch/threshold", map[string]float64{"threshold": 2})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(domain.CodeKeywordInvalid), decode[errorResponse](t, body).Code)

	resp, _ = f.do(t, http.MethodPut, "/api/keywords/DocumentSearch/threshold", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPut, "/api/keywords/DocumentSearch/capabilities/synthesis/enabled", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[domain.AgentKeywords](t, body).Capabilities["synthesis"].Enabled)

	resp, body = f.do(t, http.MethodPut, "/api/keywords/DocumentSearch/enabled", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[domain.AgentKeywords](t, body).Enabled)

	out := f.orchestrate(t, "find the paper")
	assert.Equal(t, multiagent.FallbackAgentName, out.AgentName, "disabled agent is never selected")
}

func TestKeywordListGetDelete(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/keywords", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[map[string][]domain.AgentKeywords](t, body)["agents"]
	require.Len(t, list, 2)
	assert.Equal(t, "Comparison", list[0].Agent)

	resp, _ = f.do(t, http.MethodGet, "/api/keywords/Comparison", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/keywords/Comparison", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/keywords/Comparison", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(domain.CodeKeywordNotFound), decode[errorResponse](t, body).Code)
}

func TestSchedulerTasks(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/scheduler/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decode[map[string][]scheduling.TaskInfo](t, body)["tasks"]
	require.Len(t, tasks, 1)
	assert.Equal(t, "breakers", tasks[0].Name)
	assert.Equal(t, scheduling.ActionResetBreakers, tasks[0].Action)
}

func TestPrometheusMetrics(t *testing.T) {
	f := newAPIFixture(t)
	f.orchestrate(t, "find the paper")

	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))

	text := string(body)
	assert.Contains(t, text, "agentorch_orchestrations_total 1\n")
	assert.Contains(t, text, `agentorch_executions_total{path="single"} 1`)
	assert.Contains(t, text, `agentorch_agent_requests_total{agent="DocumentSearch"} 1`)
	assert.Contains(t, text, `agentorch_circuit_breaker_state{agent="DocumentSearch"} 0`)
	assert.Contains(t, text, "# TYPE go_goroutines gauge")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrGatewayAuthFailed, http.StatusUnauthorized},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrDuplicate, http.StatusConflict},
		{domain.ErrRateLimit, http.StatusTooManyRequests},
		{domain.ErrRegistryEmpty, http.StatusServiceUnavailable},
		{domain.ErrAgentTimeout, http.StatusGatewayTimeout},
		{domain.ErrFallbackFailed, http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}
