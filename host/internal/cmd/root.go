package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for code-bridge-host.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "code-bridge-host [workspace]",
		Short: "code-bridge host: relays app telemetry to coding agents",
		Long: "code-bridge-host accepts WebSocket connections from bridges embedded in running apps\n" +
			"and from consumers such as coding agents, and routes telemetry and control frames\n" +
			"between them. One host runs per workspace.",
		Args: cobra.MaximumNArgs(1),
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newTailCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default <workspace>/.code/code-bridge.yaml if present)")
	root.PersistentFlags().Int("port", 0, "preferred port (default 9876)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "", "log format: text or json")

	return root
}
