// Package monitor records per-agent and per-operation latency samples and
// aggregates them on demand.
package monitor

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"agent-orchestrator/internal/domain"
)

// Defaults.
const (
	DefaultWindowSize           = 1000
	DefaultRecentWindow         = 5 * time.Minute
	DefaultSlowThresholdMs      = 5000.0
	DefaultFailingThresholdRate = 0.1
)

// Config controls window sizes and health thresholds.
type Config struct {
	WindowSize           int
	RecentWindow         time.Duration
	TrackOperations      bool
	SlowThresholdMs      float64
	FailingThresholdRate float64
}

// Monitor is the PerformanceMonitor. Windows are partitioned by agent; the
// maps themselves are only write-locked when a new agent or operation appears.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	start  time.Time
	agents map[string]*sampleWindow
	ops    map[string]*sampleWindow
}

// New creates a Monitor. Zero config values fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultRecentWindow
	}
	if cfg.SlowThresholdMs <= 0 {
		cfg.SlowThresholdMs = DefaultSlowThresholdMs
	}
	if cfg.FailingThresholdRate <= 0 {
		cfg.FailingThresholdRate = DefaultFailingThresholdRate
	}
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		agents: make(map[string]*sampleWindow),
		ops:    make(map[string]*sampleWindow),
	}
	m.start = m.now()
	return m
}

// Record appends one sample for agent/operation.
func (m *Monitor) Record(agent, operation string, d time.Duration, success bool) {
	s := domain.PerformanceSample{
		Agent:     agent,
		Operation: operation,
		Duration:  d,
		Success:   success,
		Timestamp: m.now(),
	}
	m.windowFor(m.agents, agent).add(s)
	if m.cfg.TrackOperations && operation != "" {
		m.windowFor(m.ops, operation).add(s)
	}
	if !success {
		m.logger.Debug("performance sample recorded as failure",
			"agent", agent, "operation", operation, "duration_ms", d.Milliseconds())
	}
}

func (m *Monitor) windowFor(set map[string]*sampleWindow, key string) *sampleWindow {
	m.mu.RLock()
	w, ok := set[key]
	m.mu.RUnlock()
	if ok {
		return w
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = set[key]; ok {
		return w
	}
	w = newSampleWindow(m.cfg.WindowSize)
	set[key] = w
	return w
}

// Report aggregates the window of one agent. An empty agent name returns
// the global aggregate over every agent's window.
func (m *Monitor) Report(agent string) domain.AggregatedMetrics {
	if agent == "" {
		return m.aggregate(m.allSamples())
	}
	m.mu.RLock()
	w, ok := m.agents[agent]
	m.mu.RUnlock()
	if !ok {
		return domain.AggregatedMetrics{}
	}
	return m.aggregate(w.snapshot())
}

// OperationReport aggregates the window of one operation.
func (m *Monitor) OperationReport(operation string) domain.AggregatedMetrics {
	m.mu.RLock()
	w, ok := m.ops[operation]
	m.mu.RUnlock()
	if !ok {
		return domain.AggregatedMetrics{}
	}
	return m.aggregate(w.snapshot())
}

// HasAgent reports whether any sample was ever recorded for agent.
func (m *Monitor) HasAgent(agent string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.agents[agent]
	return ok
}

// Recorded counts every sample ever recorded, including evicted ones.
func (m *Monitor) Recorded() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n uint64
	for _, w := range m.agents {
		n += w.totalWritten()
	}
	return n
}

// Agents returns the names of agents with recorded samples, sorted.
func (m *Monitor) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.agents)
}

// AgentReports aggregates every agent window.
func (m *Monitor) AgentReports() map[string]domain.AggregatedMetrics {
	m.mu.RLock()
	windows := make(map[string]*sampleWindow, len(m.agents))
	for k, w := range m.agents {
		windows[k] = w
	}
	m.mu.RUnlock()

	out := make(map[string]domain.AggregatedMetrics, len(windows))
	for name, w := range windows {
		out[name] = m.aggregate(w.snapshot())
	}
	return out
}

// SlowAgents returns agents whose average duration exceeds thresholdMs.
// A non-positive threshold uses the configured default.
func (m *Monitor) SlowAgents(thresholdMs float64) []string {
	if thresholdMs <= 0 {
		thresholdMs = m.cfg.SlowThresholdMs
	}
	var out []string
	for name, r := range m.AgentReports() {
		if r.TotalRequests > 0 && r.AvgDurationMs > thresholdMs {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// FailingAgents returns agents whose failure rate exceeds thresholdRate.
// A non-positive threshold uses the configured default.
func (m *Monitor) FailingAgents(thresholdRate float64) []string {
	if thresholdRate <= 0 {
		thresholdRate = m.cfg.FailingThresholdRate
	}
	var out []string
	for name, r := range m.AgentReports() {
		if r.TotalRequests > 0 && 1-r.SuccessRate > thresholdRate {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RecentSamples returns samples newer than window across all agents, oldest first.
func (m *Monitor) RecentSamples(window time.Duration) []domain.PerformanceSample {
	if window <= 0 {
		window = m.cfg.RecentWindow
	}
	cutoff := m.now().Add(-window)
	var out []domain.PerformanceSample
	for _, s := range m.allSamples() {
		if s.Timestamp.After(cutoff) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// FullReport builds the complete operator report.
func (m *Monitor) FullReport() domain.PerformanceReport {
	agents := m.AgentReports()

	m.mu.RLock()
	opWindows := make(map[string]*sampleWindow, len(m.ops))
	for k, w := range m.ops {
		opWindows[k] = w
	}
	m.mu.RUnlock()
	ops := make(map[string]domain.AggregatedMetrics, len(opWindows))
	for name, w := range opWindows {
		ops[name] = m.aggregate(w.snapshot())
	}

	all := m.allSamples()
	return domain.PerformanceReport{
		GeneratedAt:   m.now(),
		UptimeSeconds: m.Uptime().Seconds(),
		TotalSamples:  len(all),
		Global:        m.aggregate(all),
		Agents:        agents,
		Operations:    ops,
		Recent:        m.aggregate(m.RecentSamples(m.cfg.RecentWindow)),
		SlowAgents:    nonNil(m.SlowAgents(0)),
		FailingAgents: nonNil(m.FailingAgents(0)),
	}
}

// Health classifies the monitor's view of the system. OpenBreakers is left
// for the caller to fill in.
//
// healthy: no slow or failing agents and global success rate > 0.9 (or no traffic).
// unhealthy: global success rate below 0.5.
// degraded: anything in between.
func (m *Monitor) Health() domain.HealthReport {
	global := m.Report("")
	slow := m.SlowAgents(0)
	failing := m.FailingAgents(0)

	status := domain.HealthHealthy
	switch {
	case global.TotalRequests == 0:
	case global.SuccessRate < 0.5:
		status = domain.HealthUnhealthy
	case len(slow) > 0 || len(failing) > 0 || global.SuccessRate <= 0.9:
		status = domain.HealthDegraded
	}

	rate := global.SuccessRate
	if global.TotalRequests == 0 {
		rate = 1
	}
	return domain.HealthReport{
		Status:            status,
		GlobalSuccessRate: rate,
		TotalRequests:     global.TotalRequests,
		SlowAgents:        len(slow),
		FailingAgents:     len(failing),
		UptimeSeconds:     m.Uptime().Seconds(),
	}
}

// Uptime is the time since the monitor was created or last cleared.
func (m *Monitor) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now().Sub(m.start)
}

// Clear drops every sample and restarts the uptime clock.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents = make(map[string]*sampleWindow)
	m.ops = make(map[string]*sampleWindow)
	m.start = m.now()
	m.logger.Info("performance metrics cleared")
}

func (m *Monitor) allSamples() []domain.PerformanceSample {
	m.mu.RLock()
	windows := make([]*sampleWindow, 0, len(m.agents))
	for _, w := range m.agents {
		windows = append(windows, w)
	}
	m.mu.RUnlock()

	n := 0
	for _, w := range windows {
		n += w.count()
	}
	out := make([]domain.PerformanceSample, 0, n)
	for _, w := range windows {
		out = append(out, w.snapshot()...)
	}
	return out
}

// aggregate computes metrics over samples with sort-and-index percentiles.
func (m *Monitor) aggregate(samples []domain.PerformanceSample) domain.AggregatedMetrics {
	n := len(samples)
	if n == 0 {
		return domain.AggregatedMetrics{}
	}

	durations := make([]float64, n)
	var (
		sum       float64
		successes int
		oldest    = samples[0].Timestamp
	)
	for i, s := range samples {
		ms := float64(s.Duration) / float64(time.Millisecond)
		durations[i] = ms
		sum += ms
		if s.Success {
			successes++
		}
		if s.Timestamp.Before(oldest) {
			oldest = s.Timestamp
		}
	}
	sort.Float64s(durations)

	span := m.now().Sub(oldest)
	if span < time.Second {
		span = time.Second
	}

	return domain.AggregatedMetrics{
		TotalRequests:       n,
		Successful:          successes,
		Failed:              n - successes,
		SuccessRate:         float64(successes) / float64(n),
		AvgDurationMs:       sum / float64(n),
		MinDurationMs:       durations[0],
		MaxDurationMs:       durations[n-1],
		P50Ms:               Percentile(durations, 0.50),
		P90Ms:               Percentile(durations, 0.90),
		P95Ms:               Percentile(durations, 0.95),
		P99Ms:               Percentile(durations, 0.99),
		ThroughputPerSecond: float64(n) / span.Seconds(),
	}
}

// Percentile returns the p-th percentile of sorted values using the
// nearest-rank index ceil(p*n)-1, clamped to [0, n-1].
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	// The epsilon absorbs float error such as 0.95*100 = 95.00000000000001.
	idx := int(math.Ceil(p*float64(n)-1e-9)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func sortedKeys(set map[string]*sampleWindow) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
