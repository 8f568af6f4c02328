package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kwstore "agent-orchestrator/internal/adapter/keywords"
	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/infra/logger"
	"agent-orchestrator/internal/usecase/eventbus"
	"agent-orchestrator/internal/usecase/multiagent"
)

func coreConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.Agents = []config.AgentConfig{
		{
			Name:         "DocumentSearch",
			Capabilities: map[string][]string{"search": {"find", "search"}, "synthesis": {"synthesize"}},
		},
		{
			Name:         "Comparison",
			Capabilities: map[string][]string{"comparison": {"compare", "versus"}},
		},
	}
	return cfg
}

func TestInitCoreSeedsAndAnswers(t *testing.T) {
	cfg := coreConfig(t)
	core, closeCore, err := initCore(context.Background(), cfg, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { closeCore() })

	assert.Len(t, core.Registry.Agents(), 2)
	assert.Len(t, core.Balancer.Stats(), 2, "registered agents are tracked before any traffic")
	stored, err := core.Keywords.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, 2, "config agents are seeded into the store")

	resp, err := core.Orchestrator.Orchestrate(context.Background(), multiagent.Request{Query: "compare go versus rust"})
	require.NoError(t, err)
	assert.Equal(t, "Comparison", resp.AgentName)

	resp, err = core.Orchestrator.Orchestrate(context.Background(), multiagent.Request{Query: "tell me a joke"})
	require.NoError(t, err)
	assert.Equal(t, multiagent.FallbackAgentName, resp.AgentName)
	assert.Contains(t, resp.Answer, cfg.Orchestrator.FallbackMessage)
}

func TestInitCoreKeepsEditedKeywords(t *testing.T) {
	cfg := coreConfig(t)
	store, err := kwstore.NewFileStore(cfg.Keywords.Dir, 0)
	require.NoError(t, err)
	edited := domain.NewAgentKeywords("Comparison", map[string][]string{"comparison": {"contrast"}}, 0.3)
	require.NoError(t, store.Save(context.Background(), edited))

	core, closeCore, err := initCore(context.Background(), cfg, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { closeCore() })

	got, err := core.Keywords.Get(context.Background(), "Comparison")
	require.NoError(t, err)
	assert.Equal(t, []string{"contrast"}, got.Capabilities["comparison"].Keywords)
}

func TestOpenKeywordStoreBackends(t *testing.T) {
	dir := t.TempDir()
	for _, kc := range []config.KeywordsConfig{
		{Backend: "file", Dir: filepath.Join(dir, "kw")},
		{Backend: "sqlite", DBPath: filepath.Join(dir, "kw.db")},
		{Backend: "memory"},
	} {
		t.Run(kc.Backend, func(t *testing.T) {
			store, closeStore, err := openKeywordStore(kc)
			require.NoError(t, err)
			defer closeStore()
			require.NoError(t, store.Save(context.Background(), domain.NewAgentKeywords("a", map[string][]string{"x": {"y"}}, 0.3)))
			list, err := store.List(context.Background())
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestInitRuntimeWiresServices(t *testing.T) {
	cfg := coreConfig(t)
	cfg.Scheduler = config.SchedulerConfig{
		Enabled: true,
		Tasks: []config.ScheduledTaskConfig{
			{Name: "prune", Schedule: "10m", Action: "prune_sessions"},
			{Name: "snapshot", Schedule: "*/5 * * * *", Action: "log_metrics"},
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, closeCore, err := initCore(ctx, cfg, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { closeCore() })

	rt, cleanup, err := initRuntime(ctx, cfg, core, nil, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, rt.Gateway)
	require.NotNil(t, rt.Scheduler)
	require.NotNil(t, rt.Watcher, "file backend is watched by default")
	assert.Len(t, rt.Scheduler.Tasks(), 2)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	assert.NoError(t, cleanup(stopCtx))
}

func TestInitRuntimeRejectsUnknownAction(t *testing.T) {
	cfg := coreConfig(t)
	cfg.Gateway.Enabled = false
	cfg.Scheduler = config.SchedulerConfig{
		Enabled: true,
		Tasks:   []config.ScheduledTaskConfig{{Name: "x", Schedule: "1h", Action: "explode"}},
	}
	core, closeCore, err := initCore(context.Background(), cfg, nil, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { closeCore() })

	_, _, err = initRuntime(context.Background(), cfg, core, nil, logger.Discard())
	assert.Error(t, err)
}

func TestInitRuntimeAuditTrail(t *testing.T) {
	cfg := coreConfig(t)
	cfg.Gateway.Enabled = false
	cfg.Audit = config.AuditConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "audit", "audit.jsonl")}
	cfg.Scheduler = config.SchedulerConfig{
		Enabled: true,
		Tasks:   []config.ScheduledTaskConfig{{Name: "audit", Schedule: "24h", Action: "prune_audit"}},
	}
	bus := eventbus.New(logger.Discard(), 0)
	ctx := context.Background()

	core, closeCore, err := initCore(ctx, cfg, bus, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { closeCore() })
	rt, cleanup, err := initRuntime(ctx, cfg, core, bus, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, rt.Audit)

	_, err = core.Keywords.AddKeyword(ctx, "Comparison", "comparison", "contrast")
	require.NoError(t, err)
	bus.Close()
	require.NoError(t, cleanup(ctx))

	data, err := os.ReadFile(cfg.Audit.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"keywords_changed"`)
	assert.Contains(t, string(data), `"resource":"Comparison"`)
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const cliConfig = `
logger:
  output: stderr
  level: error
keywords:
  backend: memory
gateway:
  enabled: false
agents:
  - name: Comparison
    capabilities:
      comparison: [compare, versus]
`

func TestQueryCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", writeConfigFile(t, cliConfig), "query", "--json", "compare", "a", "versus", "b"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		cfgFile, queryJSON = "", false
	})

	require.NoError(t, rootCmd.Execute())
	var resp domain.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "Comparison", resp.AgentName)
	assert.Contains(t, resp.Answer, "compare a versus b")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "orchestrator version dev\n", out.String())
}
