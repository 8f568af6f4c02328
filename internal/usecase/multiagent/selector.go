package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agent-orchestrator/internal/domain"
)

// Defaults.
const (
	DefaultHistorySize    = 100
	DefaultRecentDecision = 10
)

// LoadScorer exposes the load balancer's per-agent load score.
type LoadScorer interface {
	LoadScore(name string) float64
}

// SelectorConfig controls thresholds and history size.
type SelectorConfig struct {
	DefaultThreshold float64
	HistorySize      int
}

// Selection is the outcome of ranking agents for one query.
type Selection struct {
	// Best is the top qualifying score; zero when nothing qualified.
	Best domain.CapabilityScore
	// Ranked holds every agent's score, best first.
	Ranked   []domain.CapabilityScore
	Decision domain.SelectionDecision
}

// Qualified returns the ranked scores that met their activation threshold.
func (s Selection) Qualified() []domain.CapabilityScore {
	var out []domain.CapabilityScore
	for _, c := range s.Ranked {
		if c.Qualified {
			out = append(out, c)
		}
	}
	return out
}

type cachedKeywords struct {
	cfg *domain.AgentKeywords // nil when the store has no entry
}

// Selector scores agents against a query using their keyword configuration.
//
// Keyword configuration is a versioned read-through cache over the store.
// Reload bumps the version and drops cached entries; a fetch that raced
// with a reload is served but not cached.
type Selector struct {
	store  domain.KeywordStore
	load   LoadScorer
	logger *slog.Logger

	threshold atomic.Uint64 // math.Float64bits of the default threshold
	version   atomic.Uint64

	cacheMu sync.RWMutex
	cache   map[string]cachedKeywords

	histMu   sync.Mutex
	history  []domain.SelectionDecision
	histSize int

	total      atomic.Uint64
	selections atomic.Uint64
	fallbacks  atomic.Uint64
	confMu     sync.Mutex
	avgConf    float64
}

// NewSelector creates a Selector. load may be nil, in which case load does
// not take part in tie-breaking.
func NewSelector(cfg SelectorConfig, store domain.KeywordStore, load LoadScorer, logger *slog.Logger) *Selector {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = domain.DefaultActivationThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	s := &Selector{
		store:    store,
		load:     load,
		logger:   logger,
		cache:    make(map[string]cachedKeywords),
		histSize: cfg.HistorySize,
	}
	s.setThreshold(cfg.DefaultThreshold)
	return s
}

// DefaultThreshold is applied to agents without their own keyword threshold.
func (s *Selector) DefaultThreshold() float64 {
	return math.Float64frombits(s.threshold.Load())
}

func (s *Selector) setThreshold(t float64) {
	s.threshold.Store(math.Float64bits(t))
}

// AdjustThreshold changes the default activation threshold.
func (s *Selector) AdjustThreshold(t float64) error {
	if t < 0 || t > 1 {
		return domain.NewSubSystemError("keywords", "Selector.AdjustThreshold", domain.ErrInvalidInput,
			fmt.Sprintf("threshold must be within [0,1], got %v", t))
	}
	old := s.DefaultThreshold()
	s.setThreshold(t)
	s.logger.Info("selector threshold adjusted", "old", old, "new", t)
	return nil
}

// Version is the current keyword configuration version.
func (s *Selector) Version() uint64 {
	return s.version.Load()
}

// Reload invalidates the keyword cache. The next score re-reads the store.
func (s *Selector) Reload() uint64 {
	s.cacheMu.Lock()
	v := s.version.Add(1)
	s.cache = make(map[string]cachedKeywords)
	s.cacheMu.Unlock()

	s.logger.Debug("selector keywords reloaded", "version", v)
	return v
}

// keywords returns the keyword configuration of agent, or nil if it has none.
func (s *Selector) keywords(ctx context.Context, agent string) *domain.AgentKeywords {
	s.cacheMu.RLock()
	c, ok := s.cache[agent]
	s.cacheMu.RUnlock()
	if ok {
		return c.cfg
	}
	if s.store == nil {
		return nil
	}

	v := s.version.Load()
	cfg, err := s.store.Get(ctx, agent)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("keyword store lookup failed", "agent", agent, "error", err)
			return nil
		}
		cfg = nil
	}

	s.cacheMu.Lock()
	if s.version.Load() == v {
		s.cache[agent] = cachedKeywords{cfg: cfg}
	}
	s.cacheMu.Unlock()
	return cfg
}

// Score evaluates one agent against query.
func (s *Selector) Score(ctx context.Context, query string, agent domain.Agent) domain.CapabilityScore {
	return s.score(ctx, query, nil, agent)
}

func (s *Selector) score(ctx context.Context, query string, qctx map[string]any, agent domain.Agent) domain.CapabilityScore {
	name := agent.Name()
	out := domain.CapabilityScore{
		Agent:     name,
		Secondary: s.canHandle(ctx, query, qctx, agent),
	}

	kw := s.keywords(ctx, name)
	if kw == nil {
		out.Score = out.Secondary
		out.Threshold = s.DefaultThreshold()
		out.Qualified = out.Score > 0 && out.Score >= out.Threshold
		return out
	}

	out.Threshold = kw.Threshold
	if out.Threshold <= 0 {
		out.Threshold = s.DefaultThreshold()
	}
	out.Score, out.Matched = MatchKeywords(query, kw)
	out.Qualified = kw.Enabled && out.Score > 0 && out.Score >= out.Threshold
	return out
}

// MatchKeywords scores query against cfg: the weighted share of enabled
// capabilities with at least one keyword found in the lower-cased query.
// Disabled capabilities count toward neither side.
func MatchKeywords(query string, cfg *domain.AgentKeywords) (float64, map[string][]string) {
	q := strings.ToLower(query)
	var (
		matched map[string][]string
		hit     float64
		total   float64
	)
	for capName, c := range cfg.Capabilities {
		if !c.Enabled {
			continue
		}
		w := c.Weight
		if w <= 0 {
			w = 1
		}
		total += w

		var hits []string
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(q, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) > 0 {
			if matched == nil {
				matched = make(map[string][]string)
			}
			matched[capName] = hits
			hit += w
		}
	}
	if total == 0 {
		return 0, matched
	}
	return clamp01(hit / total), matched
}

func (s *Selector) canHandle(ctx context.Context, query string, qctx map[string]any, agent domain.Agent) (v float64) {
	defer func() {
		if rv := recover(); rv != nil {
			s.logger.Error("agent CanHandle panicked", "agent", agent.Name(), "panic", rv)
			v = 0
		}
	}()
	return clamp01(agent.CanHandle(ctx, query, qctx))
}

// Evaluate scores every agent and ranks them: score, then CanHandle, then
// lowest load, then name.
func (s *Selector) Evaluate(ctx context.Context, query string, qctx map[string]any, agents []domain.Agent) []domain.CapabilityScore {
	scores := make([]domain.CapabilityScore, 0, len(agents))
	load := make(map[string]float64, len(agents))
	for _, a := range agents {
		sc := s.score(ctx, query, qctx, a)
		scores = append(scores, sc)
		if s.load != nil {
			load[sc.Agent] = s.load.LoadScore(sc.Agent)
		}
	}
	sort.SliceStable(scores, func(i, j int) bool {
		a, b := scores[i], scores[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Secondary != b.Secondary {
			return a.Secondary > b.Secondary
		}
		if la, lb := load[a.Agent], load[b.Agent]; la != lb {
			return la < lb
		}
		return a.Agent < b.Agent
	})
	return scores
}

// SelectBest ranks agents and returns the best qualifying one. The boolean
// is false when no agent qualified. Nothing is recorded.
func (s *Selector) SelectBest(ctx context.Context, query string, agents []domain.Agent) (Selection, bool) {
	sel := s.selection(ctx, query, nil, agents)
	return sel, !sel.Decision.UseFallback
}

// Select is SelectBest with the decision recorded in history and metrics.
func (s *Selector) Select(ctx context.Context, query string, qctx map[string]any, agents []domain.Agent) Selection {
	sel := s.selection(ctx, query, qctx, agents)
	s.record(sel.Decision)

	s.logger.Info("agent selection",
		"selected", orFallback(sel.Decision.SelectedAgent),
		"confidence", sel.Decision.Confidence,
		"candidates", len(agents),
	)
	return sel
}

func (s *Selector) selection(ctx context.Context, query string, qctx map[string]any, agents []domain.Agent) Selection {
	ranked := s.Evaluate(ctx, query, qctx, agents)
	all := make(map[string]float64, len(ranked))
	for _, c := range ranked {
		all[c.Agent] = c.Score
	}

	dec := domain.SelectionDecision{
		AllScores:   all,
		Timestamp:   time.Now(),
		KeywordsRev: s.Version(),
	}
	sel := Selection{Ranked: ranked}

	if len(ranked) == 0 {
		dec.UseFallback = true
		dec.Reasoning = "fallback: no agents available"
		sel.Decision = dec
		return sel
	}

	for _, c := range ranked {
		if !c.Qualified {
			continue
		}
		sel.Best = c
		dec.SelectedAgent = c.Agent
		dec.Confidence = c.Score
		dec.Reasoning = fmt.Sprintf("selected %q with highest confidence (%.2f) at or above threshold (%.2f)",
			c.Agent, c.Score, c.Threshold)
		sel.Decision = dec
		return sel
	}

	top := ranked[0]
	dec.UseFallback = true
	dec.Reasoning = fmt.Sprintf("fallback: best agent %q score (%.2f) below threshold (%.2f)",
		top.Agent, top.Score, top.Threshold)
	sel.Decision = dec
	return sel
}

func (s *Selector) record(d domain.SelectionDecision) {
	s.histMu.Lock()
	s.history = append(s.history, d)
	if over := len(s.history) - s.histSize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.histMu.Unlock()

	n := s.total.Add(1)
	if d.UseFallback {
		s.fallbacks.Add(1)
	} else {
		s.selections.Add(1)
	}
	s.confMu.Lock()
	s.avgConf += (d.Confidence - s.avgConf) / float64(n)
	s.confMu.Unlock()
}

// RecentDecisions returns up to limit of the latest decisions, oldest first.
func (s *Selector) RecentDecisions(limit int) []domain.SelectionDecision {
	if limit <= 0 {
		limit = DefaultRecentDecision
	}
	s.histMu.Lock()
	defer s.histMu.Unlock()

	start := max(len(s.history)-limit, 0)
	out := make([]domain.SelectionDecision, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// SelectorMetrics summarizes the selector's decisions.
type SelectorMetrics struct {
	TotalSelections    uint64  `json:"total_selections"`
	AgentSelections    uint64  `json:"agent_selections"`
	FallbackSelections uint64  `json:"fallback_selections"`
	AgentSelectionRate float64 `json:"agent_selection_rate"`
	FallbackRate       float64 `json:"fallback_rate"`
	AvgConfidence      float64 `json:"avg_confidence"`
	DefaultThreshold   float64 `json:"confidence_threshold"`
	KeywordsVersion    uint64  `json:"keywords_version"`
}

// Metrics returns a snapshot of the selector counters.
func (s *Selector) Metrics() SelectorMetrics {
	m := SelectorMetrics{
		TotalSelections:    s.total.Load(),
		AgentSelections:    s.selections.Load(),
		FallbackSelections: s.fallbacks.Load(),
		DefaultThreshold:   s.DefaultThreshold(),
		KeywordsVersion:    s.Version(),
	}
	if m.TotalSelections > 0 {
		m.AgentSelectionRate = float64(m.AgentSelections) / float64(m.TotalSelections)
		m.FallbackRate = float64(m.FallbackSelections) / float64(m.TotalSelections)
	}
	s.confMu.Lock()
	m.AvgConfidence = s.avgConf
	s.confMu.Unlock()
	return m
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func orFallback(name string) string {
	if name == "" {
		return "fallback"
	}
	return name
}
