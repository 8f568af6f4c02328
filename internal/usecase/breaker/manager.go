package breaker

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
)

// Manager owns one Breaker per agent, created on first use.
type Manager struct {
	cfg    config.BreakerConfig
	logger *slog.Logger
	bus    domain.EventBus

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a Manager. bus may be nil.
func NewManager(cfg config.BreakerConfig, logger *slog.Logger, bus domain.EventBus) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the agent's effective
// settings if needed.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	b = New(name, m.cfg.BreakerFor(name), m.logger, m.bus)
	m.breakers[name] = b
	m.logger.Debug("circuit breaker created", "breaker", name)
	return b
}

func (m *Manager) lookup(name string) (*Breaker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	if !ok {
		return nil, fmt.Errorf("circuit breaker %q: %w", name, domain.ErrNotFound)
	}
	return b, nil
}

// State returns the breaker state for name, or closed if none exists yet.
func (m *Manager) State(name string) string {
	b, err := m.lookup(name)
	if err != nil {
		return StateClosed
	}
	return b.State()
}

// Allow reports whether a call to name would currently be admitted. Agents
// without a breaker are always admitted.
func (m *Manager) Allow(name string) bool {
	b, err := m.lookup(name)
	if err != nil {
		return true
	}
	return b.Allow()
}

// Reset forces the named breaker closed. The bool is false when the breaker
// was already closed and nothing changed.
func (m *Manager) Reset(name string) (bool, error) {
	b, err := m.lookup(name)
	if err != nil {
		return false, err
	}
	return b.Reset(), nil
}

// ResetAll resets every non-closed breaker and returns how many changed.
func (m *Manager) ResetAll() int {
	n := 0
	for _, b := range m.all() {
		if b.Reset() {
			n++
		}
	}
	return n
}

// Snapshot returns the view of one breaker.
func (m *Manager) Snapshot(name string) (domain.BreakerSnapshot, error) {
	b, err := m.lookup(name)
	if err != nil {
		return domain.BreakerSnapshot{}, err
	}
	return b.Snapshot(), nil
}

// Snapshots returns every breaker sorted by name.
func (m *Manager) Snapshots() []domain.BreakerSnapshot {
	all := m.all()
	out := make([]domain.BreakerSnapshot, 0, len(all))
	for _, b := range all {
		out = append(out, b.Snapshot())
	}
	return out
}

// OpenCount returns how many breakers are currently not closed.
func (m *Manager) OpenCount() int {
	n := 0
	for _, b := range m.all() {
		if b.State() != StateClosed {
			n++
		}
	}
	return n
}

func (m *Manager) all() []*Breaker {
	m.mu.RLock()
	out := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Execute runs fn through the breaker for agent.
func (m *Manager) Execute(agent string, fn func() (*domain.AgentResult, error)) (*domain.AgentResult, error) {
	return m.Get(agent).Execute(fn)
}
