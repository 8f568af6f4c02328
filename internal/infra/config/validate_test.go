package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Breaker.FailureThreshold = 0
	cfg.Workflow.MaxConcurrency = 0
	cfg.LoadBalancer.Strategy = "fastest"

	err := Validate(cfg)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidateCases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }, "logger.level"},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"min score range", func(c *Config) { c.Orchestrator.MultiAgentMinScore = 1.5 }, "multi_agent_min_score"},
		{"max agents", func(c *Config) { c.Orchestrator.MaxAgents = 0 }, "max_agents"},
		{"selector threshold", func(c *Config) { c.Selector.DefaultThreshold = -0.1 }, "default_threshold"},
		{"agent timeout", func(c *Config) { c.Workflow.AgentTimeout = 0 }, "agent_timeout"},
		{"breaker timeout", func(c *Config) { c.Breaker.Timeout = 0 }, "breaker.timeout"},
		{"health floor", func(c *Config) { c.LoadBalancer.HealthFloor = 2 }, "health_floor"},
		{"ema alpha", func(c *Config) { c.LoadBalancer.EMAAlpha = 0 }, "ema_alpha"},
		{"monitor window", func(c *Config) { c.Monitor.WindowSize = 0 }, "monitor.window_size"},
		{"keywords backend", func(c *Config) { c.Keywords.Backend = "redis" }, "keywords.backend"},
		{"sqlite path", func(c *Config) { c.Keywords.Backend = "sqlite"; c.Keywords.DBPath = "" }, "db_path"},
		{"gateway addr", func(c *Config) { c.Gateway.Addr = "nope" }, "gateway.addr"},
		{"static auth without tokens", func(c *Config) { c.Gateway.Auth.Type = "static" }, "gateway.auth.tokens"},
		{"scheduler action", func(c *Config) {
			c.Scheduler.Enabled = true
			c.Scheduler.Tasks = []ScheduledTaskConfig{{Name: "x", Schedule: "1m", Action: "explode"}}
		}, "scheduler.tasks[0].action"},
		{"audit size", func(c *Config) { c.Audit.Enabled = true; c.Audit.MaxSize = "lots" }, "audit.max_size"},
		{"audit path", func(c *Config) { c.Audit.Enabled = true; c.Audit.Path = "" }, "audit.path"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{
				{Name: "a", Capabilities: map[string][]string{"x": {"y"}}},
				{Name: "a", Capabilities: map[string][]string{"x": {"y"}}},
			}
		}, "duplicate agent name"},
		{"agent without capabilities", func(c *Config) { c.Agents = []AgentConfig{{Name: "a"}} }, "capabilities must not be empty"},
		{"http agent endpoint", func(c *Config) { c.Agents = []AgentConfig{{Name: "a", Type: "http", Endpoint: "not a url"}} }, "not a valid URL"},
		{"agent type", func(c *Config) { c.Agents = []AgentConfig{{Name: "a", Type: "grpc"}} }, "type \"grpc\" is invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateGatewayDisabledSkipsChecks(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Enabled = false
	cfg.Gateway.Addr = ""
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
