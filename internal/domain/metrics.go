package domain

import "time"

// PerformanceSample is one recorded agent operation.
type PerformanceSample struct {
	Agent     string        `json:"agent"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// AggregatedMetrics is computed on demand over a rolling sample window.
// Durations are reported in milliseconds.
type AggregatedMetrics struct {
	TotalRequests       int     `json:"total_requests"`
	Successful          int     `json:"successful_requests"`
	Failed              int     `json:"failed_requests"`
	SuccessRate         float64 `json:"success_rate"`
	AvgDurationMs       float64 `json:"avg_duration_ms"`
	MinDurationMs       float64 `json:"min_duration_ms"`
	MaxDurationMs       float64 `json:"max_duration_ms"`
	P50Ms               float64 `json:"p50_ms"`
	P90Ms               float64 `json:"p90_ms"`
	P95Ms               float64 `json:"p95_ms"`
	P99Ms               float64 `json:"p99_ms"`
	ThroughputPerSecond float64 `json:"throughput_per_second"`
}

// PerformanceReport is the full monitor report.
type PerformanceReport struct {
	GeneratedAt   time.Time                    `json:"generated_at"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	TotalSamples  int                          `json:"total_samples"`
	Global        AggregatedMetrics            `json:"global"`
	Agents        map[string]AggregatedMetrics `json:"agents"`
	Operations    map[string]AggregatedMetrics `json:"operations"`
	Recent        AggregatedMetrics            `json:"recent"`
	SlowAgents    []string                     `json:"slow_agents"`
	FailingAgents []string                     `json:"failing_agents"`
}

// HealthStatus is the coarse health classification of the orchestrator.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport summarizes orchestrator health for operators.
type HealthReport struct {
	Status            HealthStatus `json:"status"`
	GlobalSuccessRate float64      `json:"global_success_rate"`
	TotalRequests     int          `json:"total_requests"`
	SlowAgents        int          `json:"slow_agents_count"`
	FailingAgents     int          `json:"failing_agents_count"`
	OpenBreakers      int          `json:"open_breakers_count"`
	UptimeSeconds     float64      `json:"uptime_seconds"`
}

// BreakerSnapshot is a read-only view of one agent's circuit breaker.
type BreakerSnapshot struct {
	Name                 string     `json:"name"`
	State                string     `json:"state"`
	ConsecutiveFailures  uint32     `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32     `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	TotalCalls           uint64     `json:"total_calls"`
	SuccessfulCalls      uint64     `json:"successful_calls"`
	FailedCalls          uint64     `json:"failed_calls"`
	RejectedCalls        uint64     `json:"rejected_calls"`
	SlowCalls            uint64     `json:"slow_calls"`
}

// LoadEntry is a read-only view of one agent's load balancer statistics.
type LoadEntry struct {
	Agent             string  `json:"agent"`
	ActiveConnections int     `json:"active_connections"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	WindowLatencyMs   float64 `json:"window_avg_latency_ms"`
	SuccessRate       float64 `json:"success_rate"`
	LoadScore         float64 `json:"load_score"`
	TotalRequests     uint64  `json:"total_requests"`
	FailedRequests    uint64  `json:"failed_requests"`
	Healthy           bool    `json:"healthy"`
}
