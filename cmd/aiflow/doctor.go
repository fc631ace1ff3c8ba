package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow/backend"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check which backends are installed and that storage is usable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("%s Backends\n", cyan("→"))
		a, err := newApp(cmd.Context(), cfg, appOptions{})
		if err != nil {
			fmt.Printf("  %s %v\n", red("✗"), err)
			return err
		}
		defer a.Close()

		installed := 0
		for _, b := range backend.All {
			route, _ := a.dispatcher.Route(b)
			if path, ok := a.dispatcher.Available(b); ok {
				installed++
				fmt.Printf("  %s %-8s %s\n", green("✓"), b, path)
			} else {
				fmt.Printf("  %s %-8s %s not found in PATH\n", red("✗"), b, route.Command)
			}
		}

		fmt.Printf("%s Storage\n", cyan("→"))
		fmt.Printf("  %s audit: %s\n", green("✓"), cfg.Audit.Driver)
		if err := os.MkdirAll(cfg.CheckpointDir, 0o755); err != nil {
			fmt.Printf("  %s checkpoints: %v\n", red("✗"), err)
		} else {
			fmt.Printf("  %s checkpoints: %s\n", green("✓"), cfg.CheckpointDir)
		}
		fmt.Printf("  %s workflows: %d registered\n", green("✓"), len(a.executor.Registry().Names()))

		if installed == 0 {
			return fmt.Errorf("no backend executables found")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
