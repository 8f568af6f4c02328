package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/infra/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Multi-agent query orchestrator",
	Long: `orchestrator answers queries by scoring registered agents against
per-agent activation keywords, running the best agent (or several in
sequence or parallel) behind circuit breakers, and falling back to a
default responder when nothing qualifies.

With no subcommand it runs the gateway, equivalent to 'orchestrator serve'.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $AGENTORCH_CONFIG or ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(keywordsCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves the config file location: flag, then env, then default.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("AGENTORCH_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig loads the config and builds the logger. The closer is never nil.
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, closer, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, closer, nil
}

// withCore loads config and the core pipeline, runs fn, then tears down.
// Used by the offline commands; no gateway, scheduler or events.
func withCore(ctx context.Context, fn func(*config.Config, *CoreComponents) error) error {
	cfg, log, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	core, closeCore, err := initCore(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer closeCore()
	return fn(cfg, core)
}
