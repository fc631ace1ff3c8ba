package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deepnoodle-ai/aiflow/permission"
)

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Show which operations the configured autonomy level permits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(permission.NewManager(cfg.AutonomyLevel()).Report())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(permissionsCmd)
}
