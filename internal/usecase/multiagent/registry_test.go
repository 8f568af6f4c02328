package multiagent

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"agent-orchestrator/internal/domain"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(newStub("docs", "search")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := r.Get("docs")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "docs" {
		t.Errorf("Name = %q, want %q", got.Name(), "docs")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(newStub("docs")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register(newStub("docs"))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeAgentDuplicate {
		t.Errorf("code = %s, want %s", code, domain.CodeAgentDuplicate)
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry(testLogger())
	if err := r.Register(newStub("")); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegistryGetNotFound(t *testing.T) {
	r := NewRegistry(testLogger())
	_, err := r.Get("nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

type stateProbe map[string]string

func (p stateProbe) State(name string) string {
	if s, ok := p[name]; ok {
		return s
	}
	return "closed"
}

func (p stateProbe) Allow(name string) bool { return p.State(name) != "open" }

func TestRegistryList(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(newStub("b", "compare"))
	r.Register(newStub("a", "search", "synthesis"))

	list := r.List(nil)
	if len(list) != 2 {
		t.Fatalf("List length = %d, want 2", len(list))
	}
	// Should be sorted by name
	if list[0].Name != "a" || list[1].Name != "b" {
		t.Errorf("List order: [%s, %s], want [a, b]", list[0].Name, list[1].Name)
	}
	if len(list[0].Capabilities) != 2 || !list[0].Healthy {
		t.Errorf("unexpected status %+v", list[0])
	}

	list = r.List(stateProbe{"b": "open"})
	if list[1].Healthy || list[1].BreakerState != "open" {
		t.Errorf("b status = %+v, want unhealthy/open", list[1])
	}
	if !list[0].Healthy {
		t.Error("a should stay healthy")
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(newStub("docs"))

	if err := r.Remove("docs"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, err := r.Get("docs")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("after Remove, expected ErrNotFound, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistryRemoveNotFound(t *testing.T) {
	r := NewRegistry(testLogger())
	err := r.Remove("nonexistent")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry(testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			r.Register(newStub(name))
		}(fmt.Sprintf("agent_%d", i))
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Agents()
		}()
	}
	wg.Wait()

	if got := len(r.Names()); got != 50 {
		t.Errorf("registered %d agents, want 50", got)
	}
}
