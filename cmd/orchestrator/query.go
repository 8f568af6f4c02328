package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/config"
	"agent-orchestrator/internal/usecase/multiagent"
)

var (
	querySession string
	queryMode    string
	queryJSON    bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Answer a single query and exit",
	Long: `Run one query through the orchestrator without starting the gateway.

Examples:
  orchestrator query "find papers about transformers"
  orchestrator query --mode sequential "compare A and B, then summarize"
  orchestrator query --json "what is the difference between X and Y"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&querySession, "session", "", "Session ID to continue")
	queryCmd.Flags().StringVar(&queryMode, "mode", "", "Multi-agent mode: parallel or sequential")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the full response as JSON")
}

func runQuery(cmd *cobra.Command, args []string) error {
	req := multiagent.Request{
		Query:     strings.Join(args, " "),
		SessionID: querySession,
	}
	if queryMode != "" {
		req.Context = map[string]any{multiagent.ModeKey: queryMode}
	}

	return withCore(cmd.Context(), func(_ *config.Config, core *CoreComponents) error {
		resp, err := core.Orchestrator.Orchestrate(cmd.Context(), req)
		if err != nil {
			return err
		}
		if queryJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		}
		printResponse(cmd.OutOrStdout(), resp)
		return nil
	})
}

func printResponse(w io.Writer, resp *domain.Response) {
	fmt.Fprintln(w, resp.Answer)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "agent:      %s\n", resp.AgentName)
	fmt.Fprintf(w, "confidence: %.2f\n", resp.Confidence)
	if resp.Orchestration != nil {
		fmt.Fprintf(w, "strategy:   %s\n", resp.Orchestration.Strategy)
		fmt.Fprintf(w, "time:       %.1fms\n", resp.Orchestration.ExecutionMs)
	}
	if resp.Reasoning != "" {
		fmt.Fprintf(w, "reasoning:  %s\n", resp.Reasoning)
	}
	fmt.Fprintf(w, "session:    %s\n", resp.SessionID)
}
