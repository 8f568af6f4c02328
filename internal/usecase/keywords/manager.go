// Package keywords administers the per-agent activation keywords used by
// the selector.
package keywords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/usecase/multiagent"
)

// Reloader is notified after every successful mutation, typically the selector.
type Reloader interface {
	Reload() uint64
}

// Activation is the result of testing a query against one agent's keywords.
type Activation struct {
	Agent         string              `json:"agent"`
	Query         string              `json:"query"`
	Score         float64             `json:"score"`
	Matched       map[string][]string `json:"matched_keywords"`
	Threshold     float64             `json:"threshold"`
	Enabled       bool                `json:"enabled"`
	WouldActivate bool                `json:"would_activate"`
}

// Manager edits keyword configurations through a KeywordStore. Mutations
// are serialized so read-modify-write cycles do not interleave.
type Manager struct {
	store    domain.KeywordStore
	reloader Reloader
	bus      domain.EventBus
	logger   *slog.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a Manager. reloader and bus may be nil.
func NewManager(store domain.KeywordStore, reloader Reloader, bus domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		reloader: reloader,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
	}
}

// Get returns the configuration of agent.
func (m *Manager) Get(ctx context.Context, agent string) (*domain.AgentKeywords, error) {
	cfg, err := m.store.Get(ctx, agent)
	if err != nil {
		return nil, wrapStoreErr("Keywords.Get", agent, err)
	}
	return cfg, nil
}

// List returns every configuration sorted by agent name.
func (m *Manager) List(ctx context.Context) ([]*domain.AgentKeywords, error) {
	cfgs, err := m.store.List(ctx)
	if err != nil {
		return nil, wrapStoreErr("Keywords.List", "", err)
	}
	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Agent < cfgs[j].Agent })
	return cfgs, nil
}

// AddKeyword adds keyword to capability, creating the capability if needed.
// The keyword is trimmed and lower-cased; duplicates are ignored.
func (m *Manager) AddKeyword(ctx context.Context, agent, capability, keyword string) (*domain.AgentKeywords, error) {
	kw := normalize(keyword)
	if kw == "" || strings.TrimSpace(capability) == "" {
		return nil, invalid("Keywords.AddKeyword", "capability and keyword must be non-empty")
	}
	return m.mutate(ctx, "Keywords.AddKeyword", agent, "add_keyword", func(cfg *domain.AgentKeywords) bool {
		c, ok := cfg.Capabilities[capability]
		if !ok {
			c = domain.CapabilityKeywords{Enabled: true, Weight: 1}
		}
		if slices.Contains(c.Keywords, kw) {
			return false
		}
		c.Keywords = append(c.Keywords, kw)
		cfg.Capabilities[capability] = c
		return true
	})
}

// RemoveKeyword removes keyword from capability. Returns ErrNotFound if the
// capability or keyword does not exist.
func (m *Manager) RemoveKeyword(ctx context.Context, agent, capability, keyword string) (*domain.AgentKeywords, error) {
	kw := normalize(keyword)
	var missing bool
	cfg, err := m.mutate(ctx, "Keywords.RemoveKeyword", agent, "remove_keyword", func(cfg *domain.AgentKeywords) bool {
		c, ok := cfg.Capabilities[capability]
		idx := -1
		if ok {
			idx = slices.Index(c.Keywords, kw)
		}
		if idx < 0 {
			missing = true
			return false
		}
		c.Keywords = slices.Delete(c.Keywords, idx, idx+1)
		cfg.Capabilities[capability] = c
		return true
	})
	if err == nil && missing {
		return nil, domain.NewSubSystemError("keywords", "Keywords.RemoveKeyword", domain.ErrNotFound,
			fmt.Sprintf("%s/%s/%s", agent, capability, kw))
	}
	return cfg, err
}

// UpdateThreshold sets the activation threshold of agent. t must be in [0,1].
func (m *Manager) UpdateThreshold(ctx context.Context, agent string, t float64) (*domain.AgentKeywords, error) {
	if t < 0 || t > 1 {
		return nil, invalid("Keywords.UpdateThreshold", fmt.Sprintf("threshold must be within [0,1], got %v", t))
	}
	return m.mutate(ctx, "Keywords.UpdateThreshold", agent, "update_threshold", func(cfg *domain.AgentKeywords) bool {
		if cfg.Threshold == t {
			return false
		}
		cfg.Threshold = t
		return true
	})
}

// SetCapabilityEnabled toggles one capability of agent.
func (m *Manager) SetCapabilityEnabled(ctx context.Context, agent, capability string, enabled bool) (*domain.AgentKeywords, error) {
	var missing bool
	cfg, err := m.mutate(ctx, "Keywords.SetCapabilityEnabled", agent, "set_capability_enabled", func(cfg *domain.AgentKeywords) bool {
		c, ok := cfg.Capabilities[capability]
		if !ok {
			missing = true
			return false
		}
		if c.Enabled == enabled {
			return false
		}
		c.Enabled = enabled
		cfg.Capabilities[capability] = c
		return true
	})
	if err == nil && missing {
		return nil, domain.NewSubSystemError("keywords", "Keywords.SetCapabilityEnabled", domain.ErrNotFound,
			fmt.Sprintf("%s/%s", agent, capability))
	}
	return cfg, err
}

// SetAgentEnabled toggles whether agent can be selected at all.
func (m *Manager) SetAgentEnabled(ctx context.Context, agent string, enabled bool) (*domain.AgentKeywords, error) {
	return m.mutate(ctx, "Keywords.SetAgentEnabled", agent, "set_agent_enabled", func(cfg *domain.AgentKeywords) bool {
		if cfg.Enabled == enabled {
			return false
		}
		cfg.Enabled = enabled
		return true
	})
}

// Delete removes the configuration of agent. The agent then scores by its
// own CanHandle.
func (m *Manager) Delete(ctx context.Context, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, agent); err != nil {
		return wrapStoreErr("Keywords.Delete", agent, err)
	}
	m.changed(ctx, agent, "delete")
	return nil
}

// TestActivation scores query against the stored keywords of agent without
// running anything.
func (m *Manager) TestActivation(ctx context.Context, agent, query string) (Activation, error) {
	cfg, err := m.Get(ctx, agent)
	if err != nil {
		return Activation{}, err
	}
	score, matched := multiagent.MatchKeywords(query, cfg)
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = domain.DefaultActivationThreshold
	}
	if matched == nil {
		matched = map[string][]string{}
	}
	return Activation{
		Agent:         agent,
		Query:         query,
		Score:         score,
		Matched:       matched,
		Threshold:     threshold,
		Enabled:       cfg.Enabled,
		WouldActivate: cfg.Enabled && score > 0 && score >= threshold,
	}, nil
}

// Seed stores cfg for agents that have no configuration yet. Existing
// entries are left untouched. Returns the number of agents seeded.
func (m *Manager) Seed(ctx context.Context, cfgs []*domain.AgentKeywords) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeded := 0
	for _, cfg := range cfgs {
		_, err := m.store.Get(ctx, cfg.Agent)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return seeded, wrapStoreErr("Keywords.Seed", cfg.Agent, err)
		}
		if err := m.store.Save(ctx, cfg); err != nil {
			return seeded, wrapStoreErr("Keywords.Seed", cfg.Agent, err)
		}
		seeded++
		m.logger.Info("seeded agent keywords", "agent", cfg.Agent, "capabilities", len(cfg.Capabilities))
	}
	if seeded > 0 && m.reloader != nil {
		m.reloader.Reload()
	}
	return seeded, nil
}

// mutate runs a read-modify-write cycle on agent's configuration. When fn
// reports no change nothing is saved and no reload is triggered.
func (m *Manager) mutate(ctx context.Context, op, agent, action string, fn func(*domain.AgentKeywords) bool) (*domain.AgentKeywords, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.store.Get(ctx, agent)
	if err != nil {
		return nil, wrapStoreErr(op, agent, err)
	}
	cfg = cfg.Clone()
	if cfg.Capabilities == nil {
		cfg.Capabilities = make(map[string]domain.CapabilityKeywords)
	}
	if !fn(cfg) {
		return cfg, nil
	}

	cfg.UpdatedAt = m.now()
	if err := m.store.Save(ctx, cfg); err != nil {
		return nil, wrapStoreErr(op, agent, err)
	}
	m.changed(ctx, agent, action)
	return cfg, nil
}

func (m *Manager) changed(ctx context.Context, agent, action string) {
	var version uint64
	if m.reloader != nil {
		version = m.reloader.Reload()
	}
	m.logger.Info("agent keywords updated", "agent", agent, "action", action, "version", version)
	domain.PublishEvent(ctx, m.bus, domain.EventKeywordsUpdated, map[string]any{
		"agent":   agent,
		"action":  action,
		"version": version,
	})
}

func normalize(keyword string) string {
	return strings.ToLower(strings.TrimSpace(keyword))
}

func invalid(op, detail string) error {
	return domain.NewSubSystemError("keywords", op, domain.ErrInvalidInput, detail)
}

func wrapStoreErr(op, agent string, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewSubSystemError("keywords", op, domain.ErrNotFound, agent)
	}
	return domain.NewSubSystemError("keywords", op, fmt.Errorf("%w: %w", domain.ErrKeywordStore, err), agent)
}
