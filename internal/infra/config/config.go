package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Selector     SelectorConfig     `yaml:"selector"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Keywords     KeywordsConfig     `yaml:"keywords"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Audit        AuditConfig        `yaml:"audit"`
	Agents       []AgentConfig      `yaml:"agents"`
	Includes     []string           `yaml:"includes,omitempty"`
}

// OrchestratorConfig controls strategy selection and fallback.
type OrchestratorConfig struct {
	EnableMultiAgent   bool          `yaml:"enable_multi_agent"`
	MultiAgentMinScore float64       `yaml:"multi_agent_min_score"`
	MaxAgents          int           `yaml:"max_agents"`
	Timeout            time.Duration `yaml:"timeout"` // bounds the multi-agent join
	FallbackMessage    string        `yaml:"fallback_message"`
	FallbackEndpoint   string        `yaml:"fallback_endpoint"` // optional remote responder
	SessionHistory     int           `yaml:"session_history"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
}

// SelectorConfig holds AgentSelector settings.
type SelectorConfig struct {
	DefaultThreshold float64 `yaml:"default_threshold"`
	HistorySize      int     `yaml:"history_size"`
}

// WorkflowConfig holds WorkflowEngine settings.
type WorkflowConfig struct {
	AgentTimeout       time.Duration `yaml:"agent_timeout"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	MultiAgentPatterns []string      `yaml:"multi_agent_patterns"`
	ListMarkers        []string      `yaml:"list_markers"`
}

// BreakerConfig holds per-agent circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold  uint32                     `yaml:"failure_threshold"`
	SuccessThreshold  uint32                     `yaml:"success_threshold"`
	Timeout           time.Duration              `yaml:"timeout"`
	SlowCallThreshold time.Duration              `yaml:"slow_call_threshold"`
	Agents            map[string]BreakerOverride `yaml:"agents,omitempty"`
}

// BreakerOverride replaces individual breaker settings for one agent.
// Zero fields inherit the global value.
type BreakerOverride struct {
	FailureThreshold  uint32        `yaml:"failure_threshold,omitempty"`
	SuccessThreshold  uint32        `yaml:"success_threshold,omitempty"`
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold,omitempty"`
}

// LoadBalancerConfig holds LoadBalancer settings.
type LoadBalancerConfig struct {
	Strategy      string  `yaml:"strategy"` // "round_robin", "least_connections", "weighted_response_time", "random"
	HealthFloor   float64 `yaml:"health_floor"`
	EMAAlpha      float64 `yaml:"ema_alpha"`
	WindowSize    int     `yaml:"window_size"`
	ConnWeight    float64 `yaml:"conn_weight"`
	LatencyWeight float64 `yaml:"latency_weight"`
	SuccessWeight float64 `yaml:"success_weight"`
}

// MonitorConfig holds PerformanceMonitor settings.
type MonitorConfig struct {
	WindowSize           int           `yaml:"window_size"`
	RecentWindow         time.Duration `yaml:"recent_window"`
	TrackOperations      bool          `yaml:"track_operations"`
	SlowThresholdMs      float64       `yaml:"slow_threshold_ms"`
	FailingThresholdRate float64       `yaml:"failing_threshold_rate"`
}

// KeywordsConfig selects where agent keyword configuration lives.
type KeywordsConfig struct {
	Backend    string `yaml:"backend"` // "file" or "sqlite"
	Dir        string `yaml:"dir"`
	DBPath     string `yaml:"db_path"`
	MaxBackups int    `yaml:"max_backups"`
	Watch      bool   `yaml:"watch"`
}

// SchedulerConfig holds cron/scheduler settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // cron expression or duration string
	Action   string `yaml:"action"`   // "reload_keywords", "log_metrics", "prune_sessions", "reset_breakers", "prune_audit"
}

// AuditConfig controls the JSONL trail of administrative changes.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`  // 0 = keep forever
	MaxSize string        `yaml:"max_size"` // e.g. "10MB"; empty = unbounded
}

// GatewayConfig holds HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Addr           string          `yaml:"addr"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	TrustedProxies []string        `yaml:"trusted_proxies,omitempty"`
	WebSocket      bool            `yaml:"websocket"`
}

// RateLimitConfig bounds per-client request rates on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// AgentConfig declares one agent to register at startup.
type AgentConfig struct {
	Name         string              `yaml:"name"`
	Type         string              `yaml:"type"` // "keyword" or "http"
	Description  string              `yaml:"description,omitempty"`
	Capabilities map[string][]string `yaml:"capabilities"`
	Threshold    float64             `yaml:"threshold,omitempty"`
	Endpoint     string              `yaml:"endpoint,omitempty"`
	APIKey       string              `yaml:"api_key,omitempty"`
	Timeout      time.Duration       `yaml:"timeout,omitempty"`
	Response     string              `yaml:"response,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultDataDir returns the persistent data directory under $HOME/.agentorch/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".agentorch", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
			WebSocket: true,
		},
		Orchestrator: OrchestratorConfig{
			EnableMultiAgent:   true,
			MultiAgentMinScore: 0.5,
			MaxAgents:          3,
			Timeout:            30 * time.Second,
			FallbackMessage:    "No agent available to handle this query.",
			SessionHistory:     10,
			SessionTTL:         time.Hour,
		},
		Selector: SelectorConfig{
			DefaultThreshold: 0.3,
			HistorySize:      100,
		},
		Workflow: WorkflowConfig{
			AgentTimeout:   15 * time.Second,
			MaxConcurrency: 3,
			MultiAgentPatterns: []string{
				"compare", "analyze and synthesize", "both", "as well as", "in addition",
			},
			ListMarkers: []string{"1.", "2.", "first", "second", "also"},
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			SuccessThreshold:  2,
			Timeout:           60 * time.Second,
			SlowCallThreshold: 10 * time.Second,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy:      "weighted_response_time",
			HealthFloor:   0.5,
			EMAAlpha:      0.2,
			WindowSize:    100,
			ConnWeight:    0.3,
			LatencyWeight: 1.0,
			SuccessWeight: 2.0,
		},
		Monitor: MonitorConfig{
			WindowSize:           1000,
			RecentWindow:         5 * time.Minute,
			TrackOperations:      true,
			SlowThresholdMs:      5000,
			FailingThresholdRate: 0.1,
		},
		Keywords: KeywordsConfig{
			Backend:    "file",
			Dir:        filepath.Join(dataDir, "keywords"),
			DBPath:     filepath.Join(dataDir, "keywords.db"),
			MaxBackups: 10,
			Watch:      true,
		},
		Audit: AuditConfig{
			Path:   filepath.Join(dataDir, "audit.jsonl"),
			MaxAge: 30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		patterns := cfg.Includes
		cfg.Agents, cfg.Includes = nil, nil
		if err := newIncludeResolver(absPath).apply(cfg, filepath.Dir(absPath), patterns, 0); err != nil {
			return nil, err
		}

		// Main file wins over anything it includes; its agents are merged last.
		included := cfg.Agents
		cfg.Agents = nil
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Agents = mergeAgents(included, cfg.Agents)
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTORCH_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps AGENTORCH_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTORCH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTORCH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTORCH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTORCH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTORCH_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTORCH_GATEWAY_TOKENS"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = nil
		for i, tok := range splitAndTrim(v, ",") {
			if tok == "" {
				continue
			}
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
				Token: tok,
				Name:  fmt.Sprintf("env-%d", i),
			})
		}
	}
	if v := os.Getenv("AGENTORCH_LB_STRATEGY"); v != "" {
		cfg.LoadBalancer.Strategy = v
	}
	if v := os.Getenv("AGENTORCH_MULTI_AGENT"); v != "" {
		cfg.Orchestrator.EnableMultiAgent = v == "true"
	}
	if v := os.Getenv("AGENTORCH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workflow.MaxConcurrency = n
		}
	}
	if v := os.Getenv("AGENTORCH_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Breaker.FailureThreshold = uint32(n)
		}
	}
	if v := os.Getenv("AGENTORCH_KEYWORDS_BACKEND"); v != "" {
		cfg.Keywords.Backend = v
	}
	if v := os.Getenv("AGENTORCH_KEYWORDS_DIR"); v != "" {
		cfg.Keywords.Dir = v
	}
	if v := os.Getenv("AGENTORCH_KEYWORDS_DB"); v != "" {
		cfg.Keywords.DBPath = v
	}
	if v := os.Getenv("AGENTORCH_AUDIT_PATH"); v != "" {
		cfg.Audit.Enabled = true
		cfg.Audit.Path = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// BreakerFor returns the effective breaker settings for agent, applying any override.
func (b BreakerConfig) BreakerFor(agent string) BreakerConfig {
	out := b
	out.Agents = nil
	o, ok := b.Agents[agent]
	if !ok {
		return out
	}
	if o.FailureThreshold > 0 {
		out.FailureThreshold = o.FailureThreshold
	}
	if o.SuccessThreshold > 0 {
		out.SuccessThreshold = o.SuccessThreshold
	}
	if o.Timeout > 0 {
		out.Timeout = o.Timeout
	}
	if o.SlowCallThreshold > 0 {
		out.SlowCallThreshold = o.SlowCallThreshold
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
