package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks on your setup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor(cmd.OutOrStdout())
	},
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer) error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Agents", Fn: checkAgents},
		{Name: "Keyword store", Fn: checkKeywordStore},
		{Name: "Keyword coverage", Fn: checkKeywordCoverage},
		{Name: "Agent endpoints", Fn: checkEndpoints},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Audit log", Fn: checkAuditLog},
	}

	fmt.Fprintln(w, "orchestrator doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file loads.
// A missing file is only a warning because defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the reported fields in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create config.yaml or pass --config",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkAgents(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if len(cfg.Agents) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no agents configured, every query will use the fallback",
			Fix:     "Add entries under 'agents:' in config.yaml",
		}
	}
	var remote int
	for _, a := range cfg.Agents {
		if a.Type == "http" {
			remote++
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d agent(s) configured (%d remote)", len(cfg.Agents), remote),
	}
}

func checkKeywordStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	store, closeStore, err := openKeywordStore(cfg.Keywords)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: err.Error(),
			Fix:     "Check keywords.dir / keywords.db_path permissions",
		}
	}
	defer closeStore()

	cfgs, err := store.List(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("list keywords: %v", err)}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s backend, %d agent configuration(s)", cfg.Keywords.Backend, len(cfgs)),
	}
}

// checkKeywordCoverage warns about configured agents without stored
// keywords; they are scored by their own CanHandle only.
func checkKeywordCoverage(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	store, closeStore, err := openKeywordStore(cfg.Keywords)
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "keyword store unavailable, skipped"}
	}
	defer closeStore()

	var missing []string
	for _, a := range cfg.Agents {
		_, err := store.Get(context.Background(), a.Name)
		if errors.Is(err, domain.ErrNotFound) && len(a.Capabilities) == 0 {
			missing = append(missing, a.Name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no keywords for: %s", strings.Join(missing, ", ")),
			Fix:     "Add capabilities in config or run 'orchestrator keywords add'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "every agent has activation keywords"}
}

// checkEndpoints dials the host of every remote agent and the fallback.
func checkEndpoints(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	endpoints := map[string]string{}
	for _, a := range cfg.Agents {
		if a.Type == "http" && a.Endpoint != "" {
			endpoints[a.Name] = a.Endpoint
		}
	}
	if cfg.Orchestrator.FallbackEndpoint != "" {
		endpoints["fallback"] = cfg.Orchestrator.FallbackEndpoint
	}
	if len(endpoints) == 0 {
		return CheckResult{Status: StatusPass, Message: "no remote endpoints configured"}
	}

	var unreachable []string
	for name, ep := range endpoints {
		if err := dialEndpoint(ep, 3*time.Second); err != nil {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("unreachable: %s", strings.Join(unreachable, ", ")),
			Fix:     "Start the remote agents or fix their endpoint URLs",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d endpoint(s) reachable", len(endpoints))}
}

func dialEndpoint(endpoint string, timeout time.Duration) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	ln, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process using the port or change gateway.addr",
		}
	}
	ln.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.Gateway.Addr)}
}

// checkGatewayAuth warns when the gateway listens beyond loopback without auth.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}
	if cfg.Gateway.Auth.Type == "static" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("static token auth (%d token(s))", len(cfg.Gateway.Auth.Tokens)),
		}
	}
	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return CheckResult{Status: StatusPass, Message: "no auth, loopback only"}
	}
	return CheckResult{
		Status:  StatusWarn,
		Message: fmt.Sprintf("gateway on %s has no authentication", cfg.Gateway.Addr),
		Fix:     "Set gateway.auth.type: static with tokens, or AGENTORCH_GATEWAY_TOKENS",
	}
}

// checkAuditLog verifies the audit directory exists when auditing is on.
func checkAuditLog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "config not loaded"}
	}
	if !cfg.Audit.Enabled {
		return CheckResult{Status: StatusPass, Message: "audit trail disabled"}
	}
	dir := filepath.Dir(cfg.Audit.Path)
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s does not exist yet", dir),
			Fix:     "It is created on first start; check permissions on the parent directory",
		}
	}
	if err != nil || !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s is not a usable directory", dir)}
	}
	return CheckResult{Status: StatusPass, Message: cfg.Audit.Path}
}
