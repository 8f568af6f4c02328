package main

import (
	"context"
	"fmt"
	"log/slog"

	"agent-orchestrator/internal/adapter/agent"
	kwstore "agent-orchestrator/internal/adapter/keywords"
	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/infra/logger"
	"agent-orchestrator/internal/usecase/breaker"
	"agent-orchestrator/internal/usecase/keywords"
	"agent-orchestrator/internal/usecase/loadbalancer"
	"agent-orchestrator/internal/usecase/monitor"
	"agent-orchestrator/internal/usecase/multiagent"
	"agent-orchestrator/internal/usecase/workflow"
)

// CoreComponents holds the orchestration pipeline and its collaborators.
type CoreComponents struct {
	Store        domain.KeywordStore
	Keywords     *keywords.Manager
	Selector     *multiagent.Selector
	Registry     *multiagent.Registry
	Breakers     *breaker.Manager
	Balancer     *loadbalancer.Balancer
	Monitor      *monitor.Monitor
	Engine       *workflow.Engine
	Sessions     *multiagent.SessionStore
	Orchestrator *multiagent.Orchestrator
}

// openKeywordStore opens the configured keyword backend. The closer is
// never nil.
func openKeywordStore(cfg config.KeywordsConfig) (domain.KeywordStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "sqlite":
		s, err := kwstore.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite keyword store: %w", err)
		}
		return s, s.Close, nil
	case "memory":
		return kwstore.NewMemoryStore(), noop, nil
	default:
		s, err := kwstore.NewFileStore(cfg.Dir, cfg.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("open keyword directory: %w", err)
		}
		return s, noop, nil
	}
}

// initCore builds everything needed to answer a query. The returned
// cleanup closes the keyword store.
func initCore(ctx context.Context, cfg *config.Config, bus domain.EventBus, log *slog.Logger) (*CoreComponents, func() error, error) {
	store, closeStore, err := openKeywordStore(cfg.Keywords)
	if err != nil {
		return nil, nil, err
	}
	comp := &CoreComponents{Store: store}

	comp.Breakers = breaker.NewManager(cfg.Breaker, logger.Component(log, "breaker"), bus)
	comp.Balancer = loadbalancer.New(cfg.LoadBalancer, logger.Component(log, "loadbalancer"), bus)
	comp.Monitor = monitor.New(monitor.Config{
		WindowSize:           cfg.Monitor.WindowSize,
		RecentWindow:         cfg.Monitor.RecentWindow,
		TrackOperations:      cfg.Monitor.TrackOperations,
		SlowThresholdMs:      cfg.Monitor.SlowThresholdMs,
		FailingThresholdRate: cfg.Monitor.FailingThresholdRate,
	}, logger.Component(log, "monitor"))
	comp.Engine = workflow.New(workflow.Config{
		AgentTimeout:       cfg.Workflow.AgentTimeout,
		Timeout:            cfg.Orchestrator.Timeout,
		MaxConcurrency:     cfg.Workflow.MaxConcurrency,
		MultiAgentPatterns: cfg.Workflow.MultiAgentPatterns,
		ListMarkers:        cfg.Workflow.ListMarkers,
	}, comp.Breakers, comp.Balancer, comp.Monitor, bus, logger.Component(log, "workflow"))

	comp.Selector = multiagent.NewSelector(multiagent.SelectorConfig{
		DefaultThreshold: cfg.Selector.DefaultThreshold,
		HistorySize:      cfg.Selector.HistorySize,
	}, store, comp.Balancer, logger.Component(log, "selector"))
	comp.Keywords = keywords.NewManager(store, comp.Selector, bus, logger.Component(log, "keywords"))

	// Agents declared in config seed keyword entries once; later edits in
	// the store win.
	if _, err := comp.Keywords.Seed(ctx, agent.SeedKeywords(cfg.Agents)); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("seed keywords: %w", err)
	}

	agents, err := agent.BuildAll(cfg.Agents, logger.Component(log, "agent"))
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	comp.Registry = multiagent.NewRegistry(logger.Component(log, "registry"))
	for _, a := range agents {
		if err := comp.Registry.Register(a); err != nil {
			closeStore()
			return nil, nil, err
		}
	}
	comp.Balancer.Track(comp.Registry.Names()...)

	fallback, err := initFallback(cfg.Orchestrator, log)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	comp.Sessions = multiagent.NewSessionStore(cfg.Orchestrator.SessionHistory, cfg.Orchestrator.SessionTTL, bus)
	comp.Orchestrator = multiagent.NewOrchestrator(multiagent.OrchestratorConfig{
		EnableMultiAgent:   cfg.Orchestrator.EnableMultiAgent,
		MultiAgentMinScore: cfg.Orchestrator.MultiAgentMinScore,
		MaxAgents:          cfg.Orchestrator.MaxAgents,
		MaxConcurrency:     cfg.Workflow.MaxConcurrency,
		FallbackMessage:    cfg.Orchestrator.FallbackMessage,
	}, multiagent.OrchestratorDeps{
		Registry: comp.Registry,
		Selector: comp.Selector,
		Engine:   comp.Engine,
		Logger:   logger.Component(log, "orchestrator"),
		Picker:   comp.Balancer,
		Fallback: fallback,
		Sessions: comp.Sessions,
		Bus:      bus,
	})

	log.Info("orchestrator ready",
		"agents", len(agents),
		"keywords_backend", cfg.Keywords.Backend,
		"lb_strategy", comp.Balancer.Strategy(),
		"multi_agent", cfg.Orchestrator.EnableMultiAgent,
	)
	return comp, closeStore, nil
}

// initFallback builds the fallback responder. A remote endpoint is optional.
func initFallback(cfg config.OrchestratorConfig, log *slog.Logger) (domain.FallbackHandler, error) {
	var remote *agent.HTTPAgent
	if cfg.FallbackEndpoint != "" {
		var err error
		remote, err = agent.NewHTTPAgent(agent.HTTPAgentConfig{
			Name:     multiagent.FallbackAgentName,
			Endpoint: cfg.FallbackEndpoint,
		}, agent.NewHTTPClient(0), logger.Component(log, "fallback"))
		if err != nil {
			return nil, fmt.Errorf("fallback endpoint: %w", err)
		}
	}
	return agent.NewResponder(cfg.FallbackMessage, remote, logger.Component(log, "fallback")), nil
}
