package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agent-orchestrator/internal/infra/tracer"
	"agent-orchestrator/internal/usecase/eventbus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator gateway",
	Long: `Start the HTTP and WebSocket gateway, the scheduler and the keyword
directory watcher. Runs until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Config & logger
	cfg, log, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	// 2. Tracer
	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log, 0)
	defer bus.Close()

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 5. Core pipeline
	core, closeCore, err := initCore(ctx, cfg, bus, log)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	defer closeCore()

	// 6. Runtime (scheduler, watcher, gateway)
	runtime, runtimeCleanup, err := initRuntime(ctx, cfg, core, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runtimeCleanup(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 7. Start
	if runtime.Scheduler != nil {
		if err := runtime.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if runtime.Watcher != nil {
		go runtime.Watcher.Run(ctx)
	}

	log.Info("orchestrator starting",
		"version", version,
		"agents", len(core.Registry.Agents()),
		"gateway", cfg.Gateway.Enabled,
		"scheduler", runtime.Scheduler != nil,
		"watch_keywords", runtime.Watcher != nil,
	)

	if runtime.Gateway == nil {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	}
	if err := runtime.Gateway.Start(ctx); err != nil {
		return err
	}
	log.Info("shutting down")
	return nil
}
