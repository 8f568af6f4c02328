package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var sizePattern = regexp.MustCompile(`^\d+\s*(B|KB|MB|GB)?$`)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateOrchestrator(cfg, ve)
	validateSelector(cfg, ve)
	validateWorkflow(cfg, ve)
	validateBreaker(cfg, ve)
	validateLoadBalancer(cfg, ve)
	validateMonitor(cfg, ve)
	validateKeywords(cfg, ve)
	validateScheduler(cfg, ve)
	validateAudit(cfg, ve)
	validateGateway(cfg, ve)
	validateAgents(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "text" && cfg.Logger.Format != "json" {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateOrchestrator(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MultiAgentMinScore < 0 || o.MultiAgentMinScore > 1 {
		ve.Add("orchestrator.multi_agent_min_score must be within [0,1]")
	}
	if o.MaxAgents < 1 {
		ve.Add("orchestrator.max_agents must be >= 1")
	}
	if o.Timeout <= 0 {
		ve.Add("orchestrator.timeout must be > 0")
	}
	if o.SessionHistory < 0 {
		ve.Add("orchestrator.session_history must be >= 0")
	}
}

func validateSelector(cfg *Config, ve *ValidationError) {
	if cfg.Selector.DefaultThreshold < 0 || cfg.Selector.DefaultThreshold > 1 {
		ve.Add("selector.default_threshold must be within [0,1]")
	}
	if cfg.Selector.HistorySize <= 0 {
		ve.Add("selector.history_size must be > 0")
	}
}

func validateWorkflow(cfg *Config, ve *ValidationError) {
	if cfg.Workflow.AgentTimeout <= 0 {
		ve.Add("workflow.agent_timeout must be > 0")
	}
	if cfg.Workflow.MaxConcurrency < 1 {
		ve.Add("workflow.max_concurrency must be >= 1")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	b := cfg.Breaker
	if b.FailureThreshold == 0 {
		ve.Add("breaker.failure_threshold must be > 0")
	}
	if b.SuccessThreshold == 0 {
		ve.Add("breaker.success_threshold must be > 0")
	}
	if b.Timeout <= 0 {
		ve.Add("breaker.timeout must be > 0")
	}
	if b.SlowCallThreshold < 0 {
		ve.Add("breaker.slow_call_threshold must be >= 0")
	}
	for name, o := range b.Agents {
		if o.Timeout < 0 || o.SlowCallThreshold < 0 {
			ve.Add("breaker.agents.%s: durations must be >= 0", name)
		}
	}
}

var validStrategies = map[string]bool{
	"round_robin":            true,
	"least_connections":      true,
	"weighted_response_time": true,
	"random":                 true,
}

func validateLoadBalancer(cfg *Config, ve *ValidationError) {
	lb := cfg.LoadBalancer
	if !validStrategies[lb.Strategy] {
		ve.Add("load_balancer.strategy %q is invalid (want: round_robin, least_connections, weighted_response_time, random)", lb.Strategy)
	}
	if lb.HealthFloor < 0 || lb.HealthFloor > 1 {
		ve.Add("load_balancer.health_floor must be within [0,1]")
	}
	if lb.EMAAlpha <= 0 || lb.EMAAlpha > 1 {
		ve.Add("load_balancer.ema_alpha must be within (0,1]")
	}
	if lb.WindowSize <= 0 {
		ve.Add("load_balancer.window_size must be > 0")
	}
}

func validateMonitor(cfg *Config, ve *ValidationError) {
	m := cfg.Monitor
	if m.WindowSize <= 0 {
		ve.Add("monitor.window_size must be > 0")
	}
	if m.RecentWindow <= 0 {
		ve.Add("monitor.recent_window must be > 0")
	}
	if m.FailingThresholdRate < 0 || m.FailingThresholdRate > 1 {
		ve.Add("monitor.failing_threshold_rate must be within [0,1]")
	}
}

func validateKeywords(cfg *Config, ve *ValidationError) {
	k := cfg.Keywords
	switch k.Backend {
	case "file":
		if k.Dir == "" {
			ve.Add("keywords.dir is required for the file backend")
		}
	case "sqlite":
		if k.DBPath == "" {
			ve.Add("keywords.db_path is required for the sqlite backend")
		}
	case "memory":
	default:
		ve.Add("keywords.backend %q is invalid (want: file, sqlite, memory)", k.Backend)
	}
	if k.MaxBackups < 0 {
		ve.Add("keywords.max_backups must be >= 0")
	}
}

var validActions = map[string]bool{
	"reload_keywords": true,
	"log_metrics":     true,
	"prune_sessions":  true,
	"reset_breakers":  true,
	"prune_audit":     true,
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if a.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if a.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if a.MaxSize != "" && !sizePattern.MatchString(strings.ToUpper(strings.TrimSpace(a.MaxSize))) {
		ve.Add("audit.max_size %q is invalid (e.g. 512KB, 10MB, 1GB)", a.MaxSize)
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid", i, t.Action)
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Auth.Type != "" && cfg.Gateway.Auth.Type != "static" {
		ve.Add("gateway.auth.type %q is invalid (want: static)", cfg.Gateway.Auth.Type)
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty for static auth")
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled && (rl.RequestsPerMinute <= 0 || rl.Burst <= 0) {
		ve.Add("gateway.rate_limit requires requests_per_minute > 0 and burst > 0")
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	seen := make(map[string]bool)
	for i, a := range cfg.Agents {
		if a.Name == "" {
			ve.Add("agents[%d].name must not be empty", i)
			continue
		}
		if seen[a.Name] {
			ve.Add("agents[%d]: duplicate agent name %q", i, a.Name)
		}
		seen[a.Name] = true

		if a.Threshold < 0 || a.Threshold > 1 {
			ve.Add("agents[%d].threshold must be within [0,1]", i)
		}
		if a.Timeout < 0 {
			ve.Add("agents[%d].timeout must be >= 0", i)
		}
		switch a.Type {
		case "", "keyword":
			if len(a.Capabilities) == 0 {
				ve.Add("agents[%d].capabilities must not be empty", i)
			}
		case "http":
			if a.Endpoint == "" {
				ve.Add("agents[%d].endpoint is required for http agents", i)
			} else if u, err := url.Parse(a.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				ve.Add("agents[%d].endpoint %q is not a valid URL", i, a.Endpoint)
			}
		default:
			ve.Add("agents[%d].type %q is invalid (want: keyword, http)", i, a.Type)
		}
	}
}
