package multiagent

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"agent-orchestrator/internal/domain"
)

// Registry holds all registered agents keyed by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]domain.Agent),
		logger: logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if the name is taken.
func (r *Registry) Register(agent domain.Agent) error {
	name := agent.Name()
	if name == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "empty agent name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.agents[name] = agent
	r.logger.Info("agent registered", "agent", name, "capabilities", agent.Capabilities())
	return nil
}

// Get returns the agent registered under name, or ErrNotFound.
func (r *Registry) Get(name string) (domain.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, name)
	}
	return a, nil
}

// Agents returns every registered agent sorted by name.
func (r *Registry) Agents() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	agents := r.Agents()
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name()
	}
	return names
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns a status snapshot for every registered agent, sorted by name.
// probe may be nil, in which case every agent reports healthy and closed.
func (r *Registry) List(probe StatusProbe) []domain.AgentStatus {
	agents := r.Agents()
	statuses := make([]domain.AgentStatus, 0, len(agents))
	for _, a := range agents {
		st := domain.AgentStatus{
			Name:         a.Name(),
			Capabilities: append([]string(nil), a.Capabilities()...),
			Healthy:      true,
			BreakerState: "closed",
		}
		if probe != nil {
			st.BreakerState = probe.State(st.Name)
			st.Healthy = probe.Allow(st.Name)
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// StatusProbe reports the breaker state of an agent and whether it would
// currently admit a call.
type StatusProbe interface {
	State(name string) string
	Allow(name string) bool
}

// Remove unregisters an agent. Returns ErrNotFound if not present.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[name]; !ok {
		return fmt.Errorf("remove agent %q: %w", name, domain.ErrNotFound)
	}
	delete(r.agents, name)
	r.logger.Info("agent removed", "agent", name)
	return nil
}
