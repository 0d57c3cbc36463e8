package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jestevery/code-bridge/host/internal/config"
	"github.com/jestevery/code-bridge/host/internal/wizard"
	"github.com/jestevery/code-bridge/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [workspace]",
		Short: "Interactive setup wizard to generate a workspace config file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			if output == "" {
				ws, err := workspaceArg(args)
				if err != nil {
					return err
				}
				output = config.FilePath(ws)
			}

			p := cli.DefaultPrompter()
			p.Out = cmd.OutOrStdout()
			w := wizard.New(p)
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: <workspace>/.code/code-bridge.yaml)")
	cmd.Flags().Bool("defaults", false, "write every default non-interactively")
	return cmd
}
