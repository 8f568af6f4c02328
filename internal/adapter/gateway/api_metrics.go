package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"agent-orchestrator/internal/usecase/breaker"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		om := deps.Orchestrator.Metrics()

		// Orchestration metrics.
		counter(w, "agentorch_orchestrations_total", "Total orchestrated queries.", om.TotalOrchestrations)
		counter(w, "agentorch_orchestrations_failed_total", "Orchestrations that returned an error.", om.FailedOrchestrations)
		fmt.Fprintf(w, "# HELP agentorch_executions_total Orchestrations by execution path.\n")
		fmt.Fprintf(w, "# TYPE agentorch_executions_total counter\n")
		fmt.Fprintf(w, "agentorch_executions_total{path=\"single\"} %d\n", om.SingleAgentExecutions)
		fmt.Fprintf(w, "agentorch_executions_total{path=\"multi\"} %d\n", om.MultiAgentExecutions)
		fmt.Fprintf(w, "agentorch_executions_total{path=\"fallback\"} %d\n", om.FallbackExecutions)
		gauge(w, "agentorch_agents_registered", "Number of registered agents.", float64(om.RegisteredAgents))

		// Selector metrics.
		counter(w, "agentorch_selections_total", "Total selector decisions.", om.Selector.TotalSelections)
		counter(w, "agentorch_selections_fallback_total", "Selector decisions that chose the fallback.", om.Selector.FallbackSelections)
		gauge(w, "agentorch_selection_avg_confidence", "Average confidence of agent selections.", om.Selector.AvgConfidence)
		gauge(w, "agentorch_keywords_version", "Keyword configuration reload counter.", float64(om.Selector.KeywordsVersion))

		// Workflow metrics.
		counter(w, "agentorch_workflows_total", "Total multi-agent workflows.", om.Workflow.TotalWorkflows)
		counter(w, "agentorch_workflows_failed_total", "Workflows where every branch failed.", om.Workflow.FailedWorkflows)
		counter(w, "agentorch_workflow_breaker_rejections_total", "Workflow steps rejected by an open breaker.", om.Workflow.BreakerRejections)

		// Per-agent performance.
		reports := deps.Monitor.AgentReports()
		fmt.Fprintf(w, "# HELP agentorch_agent_requests_total Agent calls in the sample window.\n")
		fmt.Fprintf(w, "# TYPE agentorch_agent_requests_total gauge\n")
		for _, name := range deps.Monitor.Agents() {
			fmt.Fprintf(w, "agentorch_agent_requests_total{agent=%q} %d\n", name, reports[name].TotalRequests)
		}
		fmt.Fprintf(w, "# HELP agentorch_agent_success_rate Agent success rate in the sample window.\n")
		fmt.Fprintf(w, "# TYPE agentorch_agent_success_rate gauge\n")
		for _, name := range deps.Monitor.Agents() {
			fmt.Fprintf(w, "agentorch_agent_success_rate{agent=%q} %g\n", name, reports[name].SuccessRate)
		}
		fmt.Fprintf(w, "# HELP agentorch_agent_latency_ms Agent latency quantiles in milliseconds.\n")
		fmt.Fprintf(w, "# TYPE agentorch_agent_latency_ms gauge\n")
		for _, name := range deps.Monitor.Agents() {
			m := reports[name]
			fmt.Fprintf(w, "agentorch_agent_latency_ms{agent=%q,quantile=\"0.5\"} %g\n", name, m.P50Ms)
			fmt.Fprintf(w, "agentorch_agent_latency_ms{agent=%q,quantile=\"0.95\"} %g\n", name, m.P95Ms)
			fmt.Fprintf(w, "agentorch_agent_latency_ms{agent=%q,quantile=\"0.99\"} %g\n", name, m.P99Ms)
		}

		// Circuit breakers.
		fmt.Fprintf(w, "# HELP agentorch_circuit_breaker_state Breaker state (0 closed, 1 half-open, 2 open).\n")
		fmt.Fprintf(w, "# TYPE agentorch_circuit_breaker_state gauge\n")
		for _, snap := range deps.Breakers.Snapshots() {
			fmt.Fprintf(w, "agentorch_circuit_breaker_state{agent=%q} %d\n", snap.Name, breakerStateValue(snap.State))
		}
		fmt.Fprintf(w, "# HELP agentorch_circuit_breaker_rejected_total Calls rejected by an open breaker.\n")
		fmt.Fprintf(w, "# TYPE agentorch_circuit_breaker_rejected_total counter\n")
		for _, snap := range deps.Breakers.Snapshots() {
			fmt.Fprintf(w, "agentorch_circuit_breaker_rejected_total{agent=%q} %d\n", snap.Name, snap.RejectedCalls)
		}

		// Load balancer.
		lb := deps.Balancer.Metrics()
		counter(w, "agentorch_lb_picks_total", "Load balancer tie-break picks.", lb.TotalPicks)
		gauge(w, "agentorch_lb_active_connections", "In-flight agent calls.", float64(lb.TotalActiveConnections))
		fmt.Fprintf(w, "# HELP agentorch_lb_load_score Agent load score.\n")
		fmt.Fprintf(w, "# TYPE agentorch_lb_load_score gauge\n")
		for _, e := range deps.Balancer.Stats() {
			fmt.Fprintf(w, "agentorch_lb_load_score{agent=%q} %g\n", e.Agent, e.LoadScore)
		}

		// Uptime.
		fmt.Fprintf(w, "# HELP agentorch_uptime_seconds Seconds since the orchestrator started.\n")
		fmt.Fprintf(w, "# TYPE agentorch_uptime_seconds gauge\n")
		fmt.Fprintf(w, "agentorch_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)

		fmt.Fprintf(w, "# HELP go_memstats_sys_bytes Total bytes of memory obtained from the OS.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_sys_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_sys_bytes %d\n", mem.Sys)

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}

func counter(w io.Writer, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w io.Writer, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}

func breakerStateValue(state string) int {
	switch state {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
