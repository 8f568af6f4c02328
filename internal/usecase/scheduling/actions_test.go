package scheduling

import (
	"context"
	"errors"
	"testing"

	"agent-orchestrator/internal/domain"
)

type fakeDeps struct {
	reloads, prunes, resets, audits int
	auditErr                        error
}

func (f *fakeDeps) Reload() uint64 { f.reloads++; return uint64(f.reloads) }
func (f *fakeDeps) Prune() int     { f.prunes++; return 2 }
func (f *fakeDeps) ResetAll() int  { f.resets++; return 1 }

func (f *fakeDeps) EnforceRetention(context.Context) (int, error) {
	f.audits++
	return 4, f.auditErr
}

func (f *fakeDeps) Health() domain.HealthReport {
	return domain.HealthReport{Status: domain.HealthHealthy}
}
func (f *fakeDeps) Report(string) domain.AggregatedMetrics { return domain.AggregatedMetrics{} }

func TestRegisterBuiltinActions(t *testing.T) {
	f := &fakeDeps{}
	s := NewScheduler(newTestLogger(), nil)
	RegisterBuiltinActions(s, ActionDeps{
		Keywords: f, Metrics: f, Sessions: f, Breakers: f, Audit: f, Logger: newTestLogger(),
	})

	for _, a := range []ScheduledAction{ActionReloadKeywords, ActionLogMetrics, ActionPruneSessions, ActionResetBreakers, ActionPruneAudit} {
		fn, ok := s.actions[a]
		if !ok {
			t.Fatalf("action %q not registered", a)
		}
		if err := fn(context.Background()); err != nil {
			t.Errorf("action %q: %v", a, err)
		}
	}
	if f.reloads != 1 || f.prunes != 1 || f.resets != 1 || f.audits != 1 {
		t.Errorf("calls: reloads=%d prunes=%d resets=%d audits=%d", f.reloads, f.prunes, f.resets, f.audits)
	}
}

func TestPruneAuditPropagatesError(t *testing.T) {
	f := &fakeDeps{auditErr: errors.New("disk full")}
	s := NewScheduler(newTestLogger(), nil)
	RegisterBuiltinActions(s, ActionDeps{Audit: f})

	if err := s.actions[ActionPruneAudit](context.Background()); err == nil {
		t.Error("expected retention error to surface")
	}
}

func TestRegisterBuiltinActionsSkipsMissingDeps(t *testing.T) {
	s := NewScheduler(newTestLogger(), nil)
	RegisterBuiltinActions(s, ActionDeps{Sessions: &fakeDeps{}})

	if _, ok := s.actions[ActionPruneSessions]; !ok {
		t.Error("prune_sessions should be registered")
	}
	if len(s.actions) != 1 {
		t.Errorf("registered %d actions, want 1", len(s.actions))
	}
	err := s.AddTask(ScheduledTask{Name: "reload", Schedule: "1m", Action: ActionReloadKeywords})
	if err == nil {
		t.Error("expected unknown action error for unregistered reload_keywords")
	}
}
