package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow/audit"
)

var (
	auditOperation string
	auditWorkflow  string
	auditSince     time.Duration
	auditLimit     int
	auditJSON      bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		lister, ok := a.sink.(audit.Lister)
		if !ok {
			return fmt.Errorf("audit driver %q cannot be listed", cfg.Audit.Driver)
		}
		filter := audit.Filter{Operation: auditOperation, WorkflowID: auditWorkflow, Limit: auditLimit}
		if auditSince > 0 {
			filter.Since = time.Now().Add(-auditSince)
		}
		entries, err := lister.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if auditJSON {
			return json.NewEncoder(os.Stdout).Encode(entries)
		}
		if len(entries) == 0 {
			color.Blue("No audit entries")
			return nil
		}
		for _, e := range entries {
			details, _ := json.Marshal(e.Details)
			fmt.Printf("%s  %-24s %-9s %s %s\n",
				e.Timestamp.Local().Format(time.DateTime), e.Operation, e.AutonomyLevel,
				color.New(color.Faint).Sprint(e.WorkflowID), details)
		}
		return nil
	},
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize audit entries, backend calls and workflow runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		store, ok := a.sink.(*audit.SQLStore)
		if !ok {
			return errors.New("audit stats needs the sqlite or postgres audit driver")
		}
		ctx := cmd.Context()
		since := time.Now().Add(-auditSince)
		stats, err := store.Stats(ctx, since)
		if err != nil {
			return err
		}
		backends, err := store.BackendSummary(ctx, since)
		if err != nil {
			return err
		}
		runs, err := store.WorkflowSummary(ctx, since)
		if err != nil {
			return err
		}
		if auditJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"entries":   stats,
				"backends":  backends,
				"workflows": runs,
			})
		}

		color.Cyan("Audit entries since %s: %d", since.Local().Format(time.DateTime), stats.Total)
		for _, op := range slices.Sorted(maps.Keys(stats.ByOperation)) {
			fmt.Printf("  %-28s %d\n", op, stats.ByOperation[op])
		}
		color.Cyan("\nBackends")
		for _, b := range backends {
			fmt.Printf("  %-10s calls=%d success=%.1f%% fallbacks=%d avg=%s\n",
				b.Backend, b.Calls, b.SuccessRate()*100, b.Fallbacks, b.AvgDuration.Round(time.Millisecond))
		}
		color.Cyan("\nWorkflows")
		for _, w := range runs {
			fmt.Printf("  %-18s runs=%d failures=%d avg=%s\n",
				w.Workflow, w.Runs, w.Failures, w.AvgDuration.Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditOperation, "operation", "", "only entries for this operation")
	auditListCmd.Flags().StringVar(&auditWorkflow, "workflow-id", "", "only entries for this workflow run")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of entries")
	for _, c := range []*cobra.Command{auditListCmd, auditStatsCmd} {
		c.Flags().DurationVar(&auditSince, "since", 7*24*time.Hour, "only entries newer than this")
		c.Flags().BoolVar(&auditJSON, "json", false, "print JSON")
	}
	auditCmd.AddCommand(auditListCmd, auditStatsCmd)
	rootCmd.AddCommand(auditCmd)
}
