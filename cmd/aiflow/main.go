// Command aiflow dispatches prompts to AI command-line tools and runs
// multi-backend workflows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow/config"
)

var (
	configPath string
	logLevel   string
	autonomy   string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "aiflow",
	Short: "Orchestrate external AI command-line tools",
	Long: `aiflow routes prompts to Gemini, Qwen, Rovo Dev, Cursor Agent and Droid,
protects them with per-backend circuit breakers and runs multi-step
workflows that fan out across several backends at once.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.Path()
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if autonomy != "" {
			loaded.Autonomy = autonomy
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $AIFLOW_CONFIG or ~/.aiflow/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&autonomy, "autonomy", "", "autonomy level: read-only, low, medium, high")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(1)
	}
}
