package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/usecase/breaker"
	"agent-orchestrator/internal/usecase/keywords"
	"agent-orchestrator/internal/usecase/loadbalancer"
	"agent-orchestrator/internal/usecase/monitor"
	"agent-orchestrator/internal/usecase/multiagent"
	"agent-orchestrator/internal/usecase/scheduling"
)

// HandlerDeps holds the components exposed by the gateway.
type HandlerDeps struct {
	Orchestrator *multiagent.Orchestrator
	Selector     *multiagent.Selector
	Monitor      *monitor.Monitor
	Breakers     *breaker.Manager
	Balancer     *loadbalancer.Balancer
	Keywords     *keywords.Manager     // can be nil
	Scheduler    *scheduling.Scheduler // can be nil
	Logger       *slog.Logger
	Version      string
}

// OrchestrateRequest is the body of POST /api/orchestrate and the
// orchestrate RPC.
type OrchestrateRequest struct {
	Query     string         `json:"query"`
	SessionID string         `json:"session_id,omitempty"`
	Mode      string         `json:"mode,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

func (r OrchestrateRequest) toRequest() multiagent.Request {
	qctx := r.Context
	if r.Mode != "" {
		if qctx == nil {
			qctx = make(map[string]any, 1)
		}
		qctx[multiagent.ModeKey] = r.Mode
	}
	return multiagent.Request{Query: r.Query, SessionID: r.SessionID, Context: qctx}
}

// PerformanceMetrics is the body of GET /api/performance/metrics.
type PerformanceMetrics struct {
	Global          domain.AggregatedMetrics `json:"global"`
	Orchestrator    multiagent.Metrics       `json:"orchestrator"`
	LoadBalancer    LoadBalancerView         `json:"load_balancer"`
	CircuitBreakers []domain.BreakerSnapshot `json:"circuit_breakers"`
	Health          domain.HealthReport      `json:"health"`
	Timestamp       time.Time                `json:"timestamp"`
}

// LoadBalancerView combines balancer counters with per-agent entries.
type LoadBalancerView struct {
	loadbalancer.Metrics
	Agents []domain.LoadEntry `json:"agents"`
}

// AgentBreakdown is the body of GET /api/performance/agents/{name}.
type AgentBreakdown struct {
	Agent   string                   `json:"agent"`
	Metrics domain.AggregatedMetrics `json:"metrics"`
	Load    float64                  `json:"load_score"`
	Breaker string                   `json:"circuit_breaker_state"`
}

// RegisterRoutes registers the REST API on s.
func RegisterRoutes(s *Server, deps HandlerDeps) {
	startTime := time.Now()

	s.Handle("GET /health", healthHandler(deps, startTime))
	s.HandleAuth("GET /metrics", metricsHandler(deps, startTime))

	s.HandleAuth("POST /api/orchestrate", orchestrateHandler(deps))
	s.HandleAuth("GET /api/agents", agentsHandler(deps))

	s.HandleAuth("GET /api/performance/metrics", performanceMetricsHandler(deps))
	s.HandleAuth("GET /api/performance/report", reportHandler(deps))
	s.HandleAuth("GET /api/performance/agents", perfAgentsHandler(deps))
	s.HandleAuth("GET /api/performance/agents/{name}", perfAgentHandler(deps))
	s.HandleAuth("GET /api/performance/slow-agents", slowAgentsHandler(deps))
	s.HandleAuth("GET /api/performance/failing-agents", failingAgentsHandler(deps))
	s.HandleAuth("GET /api/performance/circuit-breakers", breakersHandler(deps))
	s.HandleAuth("POST /api/performance/circuit-breakers/{name}/reset", breakerResetHandler(deps))
	s.HandleAuth("POST /api/performance/reset", perfResetHandler(deps))
	s.HandleAuth("GET /api/performance/health", perfHealthHandler(deps))

	s.HandleAuth("GET /api/load-balancer/strategy", strategyGetHandler(deps))
	s.HandleAuth("PUT /api/load-balancer/strategy", strategyPutHandler(deps))
	s.HandleAuth("GET /api/selector/decisions", decisionsHandler(deps))

	if deps.Keywords != nil {
		registerKeywordRoutes(s, deps)
	}
	if deps.Scheduler != nil {
		s.HandleAuth("GET /api/scheduler/tasks", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"tasks": deps.Scheduler.Tasks()})
		})
	}
}

func healthHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "ok",
			"version":        deps.Version,
			"uptime_seconds": int64(time.Since(startTime).Seconds()),
		})
	}
}

func orchestrateHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OrchestrateRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
		resp, err := deps.Orchestrator.Orchestrate(r.Context(), req.toRequest())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func agentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"agents": deps.Orchestrator.AgentStatuses(deps.Breakers),
		})
	}
}

// health combines the monitor report with breaker state. Open breakers
// degrade an otherwise healthy report.
func health(deps HandlerDeps) domain.HealthReport {
	h := deps.Monitor.Health()
	h.OpenBreakers = deps.Breakers.OpenCount()
	if h.OpenBreakers > 0 && h.Status == domain.HealthHealthy {
		h.Status = domain.HealthDegraded
	}
	return h
}

func performanceMetricsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, PerformanceMetrics{
			Global:       deps.Monitor.Report(""),
			Orchestrator: deps.Orchestrator.Metrics(),
			LoadBalancer: LoadBalancerView{
				Metrics: deps.Balancer.Metrics(),
				Agents:  deps.Balancer.Stats(),
			},
			CircuitBreakers: deps.Breakers.Snapshots(),
			Health:          health(deps),
			Timestamp:       time.Now().UTC(),
		})
	}
}

func reportHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Monitor.FullReport())
	}
}

func perfAgentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"agents": deps.Monitor.Agents()})
	}
}

func perfAgentHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if !deps.Monitor.HasAgent(name) {
			writeError(w, domain.NewSubSystemError("agent", "Gateway.AgentMetrics", domain.ErrNotFound, name))
			return
		}
		writeJSON(w, http.StatusOK, AgentBreakdown{
			Agent:   name,
			Metrics: deps.Monitor.Report(name),
			Load:    deps.Balancer.LoadScore(name),
			Breaker: deps.Breakers.State(name),
		})
	}
}

func slowAgentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold, err := floatParam(r, "threshold_ms", 5000)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"threshold_ms": threshold,
			"agents":       nonNil(deps.Monitor.SlowAgents(threshold)),
		})
	}
}

func failingAgentsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threshold, err := floatParam(r, "threshold_rate", 0.1)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"threshold_rate": threshold,
			"agents":         nonNil(deps.Monitor.FailingAgents(threshold)),
		})
	}
}

func breakersHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"circuit_breakers": deps.Breakers.Snapshots()})
	}
}

func breakerResetHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := resetBreaker(deps, r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// BreakerResetResult reports the outcome of a manual reset.
type BreakerResetResult struct {
	Name  string `json:"name"`
	Reset bool   `json:"reset"`
	State string `json:"state"`
}

func resetBreaker(deps HandlerDeps, name string) (BreakerResetResult, error) {
	changed, err := deps.Breakers.Reset(name)
	if err != nil {
		return BreakerResetResult{}, err
	}
	if changed {
		deps.Logger.Info("circuit breaker reset via gateway", "breaker", name)
	}
	return BreakerResetResult{Name: name, Reset: changed, State: deps.Breakers.State(name)}, nil
}

func perfResetHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Monitor.Clear()
		deps.Logger.Info("performance metrics cleared via gateway")
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

func perfHealthHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, health(deps))
	}
}

type strategyBody struct {
	Strategy string `json:"strategy"`
}

func strategyGetHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, strategyBody{Strategy: string(deps.Balancer.Strategy())})
	}
}

func strategyPutHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body strategyBody
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		st, err := loadbalancer.ParseStrategy(body.Strategy)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := deps.Balancer.ChangeStrategy(r.Context(), st); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, strategyBody{Strategy: string(deps.Balancer.Strategy())})
	}
}

func decisionsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", multiagent.DefaultRecentDecision)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"decisions": deps.Orchestrator.RecentDecisions(limit),
			"metrics":   deps.Selector.Metrics(),
		})
	}
}

func floatParam(r *http.Request, key string, def float64) (float64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, domain.NewDomainError("Gateway.Query", domain.ErrInvalidInput, key+" must be a non-negative number")
	}
	return v, nil
}

func intParam(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, domain.NewDomainError("Gateway.Query", domain.ErrInvalidInput, key+" must be a positive integer")
	}
	return v, nil
}

func missingField(name string) error {
	return domain.NewDomainError("Gateway.Decode", domain.ErrInvalidInput, name+" is required")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
