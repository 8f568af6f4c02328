package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent-orchestrator/internal/domain"
	"agent-orchestrator/internal/infra/logger"
	"agent-orchestrator/internal/usecase/keywords"
)

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Manage agent activation keywords",
	Long: `Inspect and edit the keyword store directly. A running gateway
picks up file-backend edits through its directory watcher; sqlite edits
are applied on the next reload_keywords task or restart.`,
}

var keywordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List keyword configuration for every agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeywords(func(m *keywords.Manager) error {
			cfgs, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			printKeywordTable(cmd.OutOrStdout(), cfgs)
			return nil
		})
	},
}

var keywordsAddCmd = &cobra.Command{
	Use:   "add <agent> <capability> <keyword>",
	Short: "Add a keyword to a capability",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeywords(func(m *keywords.Manager) error {
			cfg, err := m.AddKeyword(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s\n", cfg.Agent, args[1],
				strings.Join(cfg.Capabilities[args[1]].Keywords, ", "))
			return nil
		})
	},
}

var keywordsRemoveCmd = &cobra.Command{
	Use:   "remove <agent> <capability> <keyword>",
	Short: "Remove a keyword from a capability",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeywords(func(m *keywords.Manager) error {
			cfg, err := m.RemoveKeyword(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s: %s\n", cfg.Agent, args[1],
				strings.Join(cfg.Capabilities[args[1]].Keywords, ", "))
			return nil
		})
	},
}

var keywordsThresholdCmd = &cobra.Command{
	Use:   "threshold <agent> <value>",
	Short: "Set the activation threshold of an agent (0-1)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("threshold %q: %w", args[1], domain.ErrInvalidInput)
		}
		return withKeywords(func(m *keywords.Manager) error {
			cfg, err := m.UpdateThreshold(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s threshold: %.2f\n", cfg.Agent, cfg.Threshold)
			return nil
		})
	},
}

var keywordsTestCmd = &cobra.Command{
	Use:   "test <agent> <query>",
	Short: "Score a query against an agent's keywords",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeywords(func(m *keywords.Manager) error {
			act, err := m.TestActivation(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "score:     %.2f (threshold %.2f)\n", act.Score, act.Threshold)
			fmt.Fprintf(w, "activates: %t\n", act.WouldActivate)
			caps := make([]string, 0, len(act.Matched))
			for c := range act.Matched {
				caps = append(caps, c)
			}
			sort.Strings(caps)
			for _, c := range caps {
				fmt.Fprintf(w, "  %s: %s\n", c, strings.Join(act.Matched[c], ", "))
			}
			return nil
		})
	},
}

func init() {
	keywordsCmd.AddCommand(keywordsListCmd)
	keywordsCmd.AddCommand(keywordsAddCmd)
	keywordsCmd.AddCommand(keywordsRemoveCmd)
	keywordsCmd.AddCommand(keywordsThresholdCmd)
	keywordsCmd.AddCommand(keywordsTestCmd)
}

// withKeywords opens the configured keyword store and runs fn with a
// Manager over it.
func withKeywords(fn func(*keywords.Manager) error) error {
	cfg, log, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	store, closeStore, err := openKeywordStore(cfg.Keywords)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(keywords.NewManager(store, nil, nil, logger.Component(log, "keywords")))
}

func printKeywordTable(w io.Writer, cfgs []*domain.AgentKeywords) {
	if len(cfgs) == 0 {
		fmt.Fprintln(w, "No keyword configuration found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tENABLED\tTHRESHOLD\tCAPABILITY\tKEYWORDS")
	for _, cfg := range cfgs {
		caps := make([]string, 0, len(cfg.Capabilities))
		for c := range cfg.Capabilities {
			caps = append(caps, c)
		}
		sort.Strings(caps)
		if len(caps) == 0 {
			fmt.Fprintf(tw, "%s\t%t\t%.2f\t-\t-\n", cfg.Agent, cfg.Enabled, cfg.Threshold)
			continue
		}
		for i, c := range caps {
			ck := cfg.Capabilities[c]
			name := c
			if !ck.Enabled {
				name += " (off)"
			}
			if i == 0 {
				fmt.Fprintf(tw, "%s\t%t\t%.2f\t%s\t%s\n", cfg.Agent, cfg.Enabled, cfg.Threshold, name, strings.Join(ck.Keywords, ", "))
			} else {
				fmt.Fprintf(tw, "\t\t\t%s\t%s\n", name, strings.Join(ck.Keywords, ", "))
			}
		}
	}
	tw.Flush()
}
