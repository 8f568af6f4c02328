// Package loadbalancer spreads work across equally qualified agents.
package loadbalancer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
)

// Strategy names a selection policy.
type Strategy string

const (
	RoundRobin           Strategy = "round_robin"
	LeastConnections     Strategy = "least_connections"
	WeightedResponseTime Strategy = "weighted_response_time"
	Random               Strategy = "random"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case RoundRobin, LeastConnections, WeightedResponseTime, Random:
		return st, nil
	}
	return "", fmt.Errorf("load balancer strategy %q: %w", s, domain.ErrInvalidInput)
}

// Balancer picks among candidate agents and tracks their load.
type Balancer struct {
	logger *slog.Logger
	bus    domain.EventBus
	now    func() time.Time

	alpha      float64
	floor      float64
	windowSize int
	w          weights

	strategy atomic.Value // Strategy
	rr       atomic.Uint64
	picks    atomic.Uint64
	changes  atomic.Uint64

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a Balancer from config. Unknown strategies fall back to
// weighted_response_time.
func New(cfg config.LoadBalancerConfig, logger *slog.Logger, bus domain.EventBus) *Balancer {
	if cfg.EMAAlpha <= 0 || cfg.EMAAlpha > 1 {
		cfg.EMAAlpha = 0.2
	}
	if cfg.HealthFloor <= 0 {
		cfg.HealthFloor = 0.5
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.ConnWeight == 0 && cfg.LatencyWeight == 0 && cfg.SuccessWeight == 0 {
		cfg.ConnWeight, cfg.LatencyWeight, cfg.SuccessWeight = 0.3, 1.0, 2.0
	}

	b := &Balancer{
		logger:     logger,
		bus:        bus,
		now:        time.Now,
		alpha:      cfg.EMAAlpha,
		floor:      cfg.HealthFloor,
		windowSize: cfg.WindowSize,
		w:          weights{conn: cfg.ConnWeight, latency: cfg.LatencyWeight, success: cfg.SuccessWeight},
		entries:    make(map[string]*entry),
	}
	st, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		if cfg.Strategy != "" {
			logger.Warn("unknown load balancer strategy, using default", "strategy", cfg.Strategy)
		}
		st = WeightedResponseTime
	}
	b.strategy.Store(st)
	return b
}

// Strategy returns the active strategy.
func (b *Balancer) Strategy() Strategy {
	return b.strategy.Load().(Strategy)
}

// ChangeStrategy switches the active strategy.
func (b *Balancer) ChangeStrategy(ctx context.Context, s Strategy) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}
	old := b.strategy.Swap(s).(Strategy)
	if old == s {
		return nil
	}
	b.changes.Add(1)
	b.logger.Info("load balancer strategy changed", "from", old, "to", s)
	domain.PublishEvent(ctx, b.bus, domain.EventLBStrategyChanged, map[string]string{
		"from": string(old),
		"to":   string(s),
	})
	return nil
}

func (b *Balancer) get(name string) *entry {
	b.mu.RLock()
	e, ok := b.entries[name]
	b.mu.RUnlock()
	if ok {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok = b.entries[name]; ok {
		return e
	}
	e = newEntry(name, len(b.entries), b.windowSize)
	b.entries[name] = e
	return e
}

// Track registers names in order ahead of any traffic, so round robin
// rotates in that order and Stats lists idle agents. Known names keep
// their position.
func (b *Balancer) Track(names ...string) {
	for _, n := range names {
		b.get(n)
	}
}

// Pick chooses one of candidates with the active strategy. Unhealthy agents
// are skipped unless every candidate is unhealthy.
func (b *Balancer) Pick(ctx context.Context, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("load balancer pick: no candidates: %w", domain.ErrInvalidInput)
	}

	all := make([]*entry, 0, len(candidates))
	for _, c := range candidates {
		all = append(all, b.get(c))
	}
	pool := make([]*entry, 0, len(all))
	for _, e := range all {
		if e.successRate() >= b.floor {
			pool = append(pool, e)
		}
	}
	if len(pool) == 0 {
		b.logger.Warn("all candidate agents are unhealthy, picking anyway", "candidates", candidates)
		domain.PublishEvent(ctx, b.bus, domain.EventLBUnhealthyOnly, map[string]any{
			"candidates": candidates,
		})
		pool = all
	}

	var picked *entry
	switch st := b.Strategy(); st {
	case RoundRobin:
		sort.SliceStable(pool, func(i, j int) bool { return pool[i].order < pool[j].order })
		idx := (b.rr.Add(1) - 1) % uint64(len(pool))
		picked = pool[idx]
	case LeastConnections:
		picked = minBy(pool, func(e *entry) float64 { return float64(e.connections()) })
	case Random:
		picked = pool[rand.IntN(len(pool))]
	default:
		picked = minBy(pool, func(e *entry) float64 { return e.loadScore(b.w) })
	}

	b.picks.Add(1)
	b.logger.Debug("load balancer picked agent",
		"agent", picked.name,
		"strategy", b.Strategy(),
		"candidates", len(candidates),
	)
	return picked.name, nil
}

// minBy returns the first entry with the lowest key.
func minBy(pool []*entry, key func(*entry) float64) *entry {
	best := pool[0]
	bestKey := key(best)
	for _, e := range pool[1:] {
		if k := key(e); k < bestKey {
			best, bestKey = e, k
		}
	}
	return best
}

// RecordStart marks a call to name as in flight.
func (b *Balancer) RecordStart(name string) {
	b.get(name).start(b.now())
}

// RecordEnd closes an in-flight call and folds its outcome into the averages.
func (b *Balancer) RecordEnd(name string, d time.Duration, success bool) {
	b.get(name).end(d, success, b.alpha)
}

// LoadScore returns the weighted load score of name (lower is better).
func (b *Balancer) LoadScore(name string) float64 {
	return b.get(name).loadScore(b.w)
}

// Stats returns every tracked agent sorted by name.
func (b *Balancer) Stats() []domain.LoadEntry {
	b.mu.RLock()
	entries := make([]*entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.mu.RUnlock()

	out := make([]domain.LoadEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot(b.w, b.floor))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Metrics summarizes balancer activity.
type Metrics struct {
	Strategy               Strategy `json:"strategy"`
	TotalPicks             uint64   `json:"total_picks"`
	StrategyChanges        uint64   `json:"strategy_changes"`
	TotalAgents            int      `json:"total_agents"`
	TotalActiveConnections int      `json:"total_active_connections"`
	AvgConnectionsPerAgent float64  `json:"avg_connections_per_agent"`
}

// Metrics returns aggregate counters.
func (b *Balancer) Metrics() Metrics {
	stats := b.Stats()
	m := Metrics{
		Strategy:        b.Strategy(),
		TotalPicks:      b.picks.Load(),
		StrategyChanges: b.changes.Load(),
		TotalAgents:     len(stats),
	}
	for _, s := range stats {
		m.TotalActiveConnections += s.ActiveConnections
	}
	if len(stats) > 0 {
		m.AvgConnectionsPerAgent = float64(m.TotalActiveConnections) / float64(len(stats))
	}
	return m
}

// HealthiestAgents orders agents by load score, best first, and returns at most n.
func (b *Balancer) HealthiestAgents(agents []string, n int) []string {
	type scored struct {
		name  string
		score float64
	}
	list := make([]scored, 0, len(agents))
	for _, a := range agents {
		list = append(list, scored{a, b.LoadScore(a)})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score < list[j].score })

	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]string, n)
	for i := range out {
		out[i] = list[i].name
	}
	return out
}

// Reset forgets all per-agent statistics.
func (b *Balancer) Reset() {
	b.mu.Lock()
	b.entries = make(map[string]*entry)
	b.mu.Unlock()
	b.rr.Store(0)
	b.logger.Info("load balancer stats reset")
}
