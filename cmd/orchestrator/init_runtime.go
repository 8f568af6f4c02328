package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"agent-orchestrator/internal/adapter/gateway"
	kwstore "agent-orchestrator/internal/adapter/keywords"
	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/infra/logger"
	"agent-orchestrator/internal/infra/middleware"
	"agent-orchestrator/internal/security"
	"agent-orchestrator/internal/usecase/scheduling"
)

// RuntimeComponents holds the long-running services around the core.
type RuntimeComponents struct {
	Scheduler *scheduling.Scheduler     // nil when disabled
	Gateway   *gateway.Server           // nil when disabled
	Watcher   *kwstore.Watcher          // nil unless the file backend is watched
	Audit     *security.FileAuditLogger // nil when auditing is disabled
}

// initRuntime builds the audit trail, scheduler, keyword watcher and gateway.
// Nothing is started; the returned cleanup stops whatever was started later.
func initRuntime(
	ctx context.Context,
	cfg *config.Config,
	core *CoreComponents,
	bus domain.EventBus,
	log *slog.Logger,
) (*RuntimeComponents, func(context.Context) error, error) {
	comp := &RuntimeComponents{}
	var detachAudit func()

	// 1. Audit trail
	if cfg.Audit.Enabled {
		audit, detach, err := initAudit(cfg.Audit, bus, logger.Component(log, "audit"))
		if err != nil {
			return nil, nil, err
		}
		comp.Audit, detachAudit = audit, detach
	}

	// 2. Scheduler
	if cfg.Scheduler.Enabled {
		deps := scheduling.ActionDeps{
			Keywords: core.Selector,
			Metrics:  core.Monitor,
			Sessions: core.Sessions,
			Breakers: core.Breakers,
			Logger:   logger.Component(log, "scheduler"),
		}
		if comp.Audit != nil {
			deps.Audit = comp.Audit
		}
		sched := scheduling.NewScheduler(logger.Component(log, "scheduler"), bus)
		scheduling.RegisterBuiltinActions(sched, deps)
		for _, t := range cfg.Scheduler.Tasks {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     t.Name,
				Schedule: t.Schedule,
				Action:   scheduling.ScheduledAction(t.Action),
			}); err != nil {
				closeAudit(comp.Audit, detachAudit)
				return nil, nil, fmt.Errorf("scheduler task %q: %w", t.Name, err)
			}
		}
		comp.Scheduler = sched
	}

	// 3. Keyword directory watcher
	if fs, ok := core.Store.(*kwstore.FileStore); ok && cfg.Keywords.Watch {
		w, err := kwstore.NewWatcher(fs.Dir(), core.Selector, bus, logger.Component(log, "keywords-watcher"))
		if err != nil {
			closeAudit(comp.Audit, detachAudit)
			return nil, nil, fmt.Errorf("keyword watcher: %w", err)
		}
		comp.Watcher = w
	}

	// 4. Gateway
	if cfg.Gateway.Enabled {
		gwLog := logger.Component(log, "gateway")
		var gwBus domain.EventBus
		if cfg.Gateway.WebSocket {
			gwBus = bus
		}
		srv := gateway.NewServer(gwBus, gateway.NewAuthenticator(cfg.Gateway.Auth), cfg.Gateway.Addr, gwLog)
		srv.Use(
			middleware.RequestID,
			middleware.Recover(gwLog),
			middleware.AccessLog(gwLog),
			middleware.SecurityHeaders,
		)
		if rl := cfg.Gateway.RateLimit; rl.Enabled {
			srv.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
				RequestsPerMin: rl.RequestsPerMinute,
				BurstSize:      rl.Burst,
				TrustedProxies: cfg.Gateway.TrustedProxies,
			}))
		}
		deps := gateway.HandlerDeps{
			Orchestrator: core.Orchestrator,
			Selector:     core.Selector,
			Monitor:      core.Monitor,
			Breakers:     core.Breakers,
			Balancer:     core.Balancer,
			Keywords:     core.Keywords,
			Scheduler:    comp.Scheduler,
			Logger:       gwLog,
			Version:      version,
		}
		gateway.RegisterRoutes(srv, deps)
		if cfg.Gateway.WebSocket {
			gateway.RegisterRPC(srv, deps)
		}
		comp.Gateway = srv
	}

	cleanup := func(ctx context.Context) error {
		var errs []error
		if comp.Gateway != nil {
			if err := comp.Gateway.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("gateway stop: %w", err))
			}
		}
		if comp.Scheduler != nil {
			if err := comp.Scheduler.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
			}
		}
		if comp.Watcher != nil {
			if err := comp.Watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("watcher close: %w", err))
			}
		}
		if err := closeAudit(comp.Audit, detachAudit); err != nil {
			errs = append(errs, fmt.Errorf("audit close: %w", err))
		}
		return errors.Join(errs...)
	}
	return comp, cleanup, nil
}

// initAudit opens the audit log and subscribes it to administrative events.
func initAudit(cfg config.AuditConfig, bus domain.EventBus, log *slog.Logger) (*security.FileAuditLogger, func(), error) {
	maxSize, err := security.ParseRetentionMaxSize(cfg.MaxSize)
	if err != nil {
		return nil, nil, fmt.Errorf("audit max_size: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, nil, fmt.Errorf("create audit dir: %w", err)
	}
	audit, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	audit.SetRetention(security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
	detach := func() {}
	if bus != nil {
		detach = security.NewRecorder(audit, log).Attach(bus)
	}
	log.Info("audit trail enabled", "path", cfg.Path)
	return audit, detach, nil
}

func closeAudit(audit *security.FileAuditLogger, detach func()) error {
	if audit == nil {
		return nil
	}
	detach()
	return audit.Close()
}
