package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the tidepark CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tidepark",
		Short: "Tidepark - a scriptable park simulation server",
		Long: `Tidepark runs a park simulation with an embedded JavaScript plugin
engine: plugins are discovered on disk, hot reloaded on change, and driven
by simulation hooks. A control socket exposes remote evaluation.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
