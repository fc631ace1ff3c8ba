package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List the available workflows and their parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		for _, w := range a.executor.Registry().List() {
			color.Cyan("%s", w.Name)
			if w.Description != "" {
				fmt.Printf("  %s\n", w.Description)
			}
			for _, in := range w.Inputs {
				required := ""
				if in.Required {
					required = color.YellowString(" (required)")
				}
				fmt.Printf("    %s (%s)%s\n", in.Name, in.Type, required)
				if in.Description != "" {
					fmt.Printf("      %s\n", in.Description)
				}
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}
