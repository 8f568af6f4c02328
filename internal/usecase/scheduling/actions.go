package scheduling

import (
	"context"
	"log/slog"

	"agent-orchestrator/internal/domain"
)

// KeywordReloader drops cached keyword configuration.
type KeywordReloader interface {
	Reload() uint64
}

// MetricsSource provides the figures logged by the log_metrics action.
type MetricsSource interface {
	Health() domain.HealthReport
	Report(agent string) domain.AggregatedMetrics
}

// SessionPruner removes idle sessions.
type SessionPruner interface {
	Prune() int
}

// BreakerResetter force-closes every circuit breaker.
type BreakerResetter interface {
	ResetAll() int
}

// AuditPruner applies the audit log retention policy.
type AuditPruner interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// ActionDeps are the components the built-in actions operate on. Nil
// fields leave the corresponding action unregistered.
type ActionDeps struct {
	Keywords KeywordReloader
	Metrics  MetricsSource
	Sessions SessionPruner
	Breakers BreakerResetter
	Audit    AuditPruner
	Logger   *slog.Logger
}

// RegisterBuiltinActions registers every action whose dependency is set.
func RegisterBuiltinActions(s *Scheduler, deps ActionDeps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if deps.Keywords != nil {
		s.RegisterAction(ActionReloadKeywords, func(context.Context) error {
			v := deps.Keywords.Reload()
			logger.Info("keywords reloaded", "version", v)
			return nil
		})
	}
	if deps.Metrics != nil {
		s.RegisterAction(ActionLogMetrics, func(context.Context) error {
			h := deps.Metrics.Health()
			g := deps.Metrics.Report("")
			logger.Info("performance snapshot",
				"status", string(h.Status),
				"total_requests", g.TotalRequests,
				"success_rate", g.SuccessRate,
				"p95_ms", g.P95Ms,
				"throughput_per_second", g.ThroughputPerSecond,
				"slow_agents", h.SlowAgents,
				"failing_agents", h.FailingAgents)
			return nil
		})
	}
	if deps.Sessions != nil {
		s.RegisterAction(ActionPruneSessions, func(context.Context) error {
			if n := deps.Sessions.Prune(); n > 0 {
				logger.Info("pruned idle sessions", "count", n)
			}
			return nil
		})
	}
	if deps.Breakers != nil {
		s.RegisterAction(ActionResetBreakers, func(context.Context) error {
			if n := deps.Breakers.ResetAll(); n > 0 {
				logger.Info("circuit breakers reset", "count", n)
			}
			return nil
		})
	}
	if deps.Audit != nil {
		s.RegisterAction(ActionPruneAudit, func(ctx context.Context) error {
			n, err := deps.Audit.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("audit log pruned", "removed", n)
			}
			return nil
		})
	}
}
