// Package keywords provides KeywordStore implementations: YAML files with
// rotating backups, SQLite and in-memory, plus a directory watcher.
package keywords

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agent-orchestrator/internal/domain"
)

// validate rejects configurations that cannot be stored.
func validate(cfg *domain.AgentKeywords) error {
	if cfg == nil || strings.TrimSpace(cfg.Agent) == "" {
		return fmt.Errorf("keywords: empty agent name: %w", domain.ErrInvalidInput)
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return fmt.Errorf("keywords for %q: threshold %v out of [0,1]: %w", cfg.Agent, cfg.Threshold, domain.ErrInvalidInput)
	}
	return nil
}

// MemoryStore is a KeywordStore held in memory. Values are cloned on the
// way in and out.
type MemoryStore struct {
	mu   sync.RWMutex
	cfgs map[string]*domain.AgentKeywords
}

var _ domain.KeywordStore = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cfgs: make(map[string]*domain.AgentKeywords)}
}

func (s *MemoryStore) Get(_ context.Context, agent string) (*domain.AgentKeywords, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cfgs[agent]
	if !ok {
		return nil, fmt.Errorf("keywords for %q: %w", agent, domain.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) List(context.Context) ([]*domain.AgentKeywords, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.AgentKeywords, 0, len(s.cfgs))
	for _, c := range s.cfgs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, cfg *domain.AgentKeywords) error {
	if err := validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs[cfg.Agent] = cfg.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfgs[agent]; !ok {
		return fmt.Errorf("keywords for %q: %w", agent, domain.ErrNotFound)
	}
	delete(s.cfgs, agent)
	return nil
}
