package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/report"
)

var (
	runParams     []string
	runParamsJSON string
	runTimeout    time.Duration
	runJSON       bool
	runHTML       bool
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow",
	Long: `Run a built-in workflow or a pipeline from the pipeline directory.

Parameters are given with --param key=value (repeatable). Values are parsed
as JSON when possible and used as strings otherwise. List parameters also
accept a comma separated string.`,
	Example: `  aiflow run bug-hunt --param symptoms="panic on empty cart" --param suspected_files=cart.go
  aiflow run parallel-review --param files=api.go,store.go --param focus=security`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(runParams, runParamsJSON)
		if err != nil {
			return err
		}
		return execute(cmd.Context(), func(ctx context.Context, exec *aiflow.Executor) (*aiflow.Result, error) {
			return exec.Execute(ctx, args[0], params)
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <workflow-id>",
	Short: "Resume a failed workflow run from its snapshot",
	Long: `Resume a failed run. Steps that completed before the failure are skipped and
the stored parameters are reused unless --param or --params-json is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params aiflow.Params
		if len(runParams) > 0 || runParamsJSON != "" {
			var err error
			if params, err = parseParams(runParams, runParamsJSON); err != nil {
				return err
			}
		}
		return execute(cmd.Context(), func(ctx context.Context, exec *aiflow.Executor) (*aiflow.Result, error) {
			return exec.Resume(ctx, args[0], params)
		})
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List failed runs that can be resumed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cp, err := aiflow.NewFileCheckpointer(cfg.CheckpointDir)
		if err != nil {
			return err
		}
		runs, err := cp.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			color.Blue("No stored runs")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-16s %-9s %s  %s\n", r.WorkflowID, r.WorkflowName, r.Status,
				r.StartTime.Local().Format(time.DateTime), r.Error)
		}
		return nil
	},
}

// execute runs fn with a fully wired executor and prints the result.
func execute(ctx context.Context, fn func(context.Context, *aiflow.Executor) (*aiflow.Result, error)) error {
	a, err := newApp(ctx, cfg, appOptions{
		Callbacks: newProgressPrinter(os.Stderr),
		Confirmer: confirmOnTerminal,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}
	result, err := fn(ctx, a.executor)
	if err != nil {
		return err
	}
	return printResult(result)
}

func printResult(result *aiflow.Result) error {
	switch {
	case runJSON:
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case runHTML:
		html, err := report.ToHTML(result.Output)
		if err != nil {
			return err
		}
		fmt.Println(html)
	default:
		fmt.Println(result.Output)
	}
	return nil
}

// parseParams merges a JSON object with key=value pairs; pairs win.
func parseParams(pairs []string, rawJSON string) (aiflow.Params, error) {
	params := aiflow.Params{}
	if rawJSON != "" {
		if err := json.Unmarshal([]byte(rawJSON), &params); err != nil {
			return nil, fmt.Errorf("--params-json must be a JSON object: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid parameter %q, use key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		params[strings.TrimSpace(key)] = parsed
	}
	return params, nil
}

// confirmOnTerminal asks on stderr before critical operations. Without a
// terminal the operation is refused.
func confirmOnTerminal(_ context.Context, op permission.Operation) (bool, error) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return false, nil
	}
	fmt.Fprintf(os.Stderr, "%s allow %s? [y/N] ", color.YellowString("?"), op)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func init() {
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().StringArrayVarP(&runParams, "param", "p", nil, "workflow parameter key=value (repeatable)")
		c.Flags().StringVar(&runParamsJSON, "params-json", "", "workflow parameters as a JSON object")
		c.Flags().DurationVar(&runTimeout, "timeout", 0, "overall timeout, e.g. 30m")
		c.Flags().BoolVar(&runJSON, "json", false, "print the result as JSON")
		c.Flags().BoolVar(&runHTML, "html", false, "print the report rendered as HTML")
		c.MarkFlagsMutuallyExclusive("json", "html")
	}
	rootCmd.AddCommand(runCmd, resumeCmd, runsCmd)
}
