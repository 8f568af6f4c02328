package multiagent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"agent-orchestrator/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stubAgent is a configurable domain.Agent.
type stubAgent struct {
	name      string
	caps      []string
	canHandle float64
	processFn func(ctx context.Context, query string, qctx map[string]any) (*domain.AgentResult, error)
	calls     atomic.Int32
	lastQctx  atomic.Value // map[string]any
}

func (a *stubAgent) Name() string           { return a.name }
func (a *stubAgent) Capabilities() []string { return a.caps }
func (a *stubAgent) CanHandle(context.Context, string, map[string]any) float64 {
	return a.canHandle
}

func (a *stubAgent) Process(ctx context.Context, query string, qctx map[string]any) (*domain.AgentResult, error) {
	a.calls.Add(1)
	if qctx != nil {
		a.lastQctx.Store(qctx)
	}
	if a.processFn != nil {
		return a.processFn(ctx, query, qctx)
	}
	return &domain.AgentResult{
		Content:    a.name + " answer",
		Confidence: 0.8,
		Sources:    []string{a.name + ".md"},
		Reasoning:  "handled by " + a.name,
	}, nil
}

func (a *stubAgent) seenContext() map[string]any {
	v, _ := a.lastQctx.Load().(map[string]any)
	return v
}

func newStub(name string, caps ...string) *stubAgent {
	return &stubAgent{name: name, caps: caps}
}

func failing(a *stubAgent) *stubAgent {
	a.processFn = func(context.Context, string, map[string]any) (*domain.AgentResult, error) {
		return nil, fmt.Errorf("%s backend down", a.name)
	}
	return a
}

// memStore is a KeywordStore backed by a map that counts Get calls.
type memStore struct {
	mu   sync.Mutex
	cfgs map[string]*domain.AgentKeywords
	gets atomic.Int32
	err  error
}

func newMemStore(cfgs ...*domain.AgentKeywords) *memStore {
	s := &memStore{cfgs: make(map[string]*domain.AgentKeywords)}
	for _, c := range cfgs {
		s.cfgs[c.Agent] = c
	}
	return s
}

func (s *memStore) Get(_ context.Context, agent string) (*domain.AgentKeywords, error) {
	s.gets.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	c, ok := s.cfgs[agent]
	if !ok {
		return nil, fmt.Errorf("keywords %q: %w", agent, domain.ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *memStore) List(context.Context) ([]*domain.AgentKeywords, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.AgentKeywords, 0, len(s.cfgs))
	for _, c := range s.cfgs {
		out = append(out, c.Clone())
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, cfg *domain.AgentKeywords) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgs[cfg.Agent] = cfg.Clone()
	return nil
}

func (s *memStore) Delete(_ context.Context, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cfgs, agent)
	return nil
}

// fixedLoad is a LoadScorer with preset scores.
type fixedLoad map[string]float64

func (f fixedLoad) LoadScore(name string) float64 { return f[name] }

// recordingBus captures published event types.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev.Type)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) has(t domain.EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if e == t {
			return true
		}
	}
	return false
}
