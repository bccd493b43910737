// spyrectl is an operator CLI wrapping Spyre's REST/SSE surface: start or
// cancel a pipeline, dispatch a one-off Claude Code task, or tail an SSE
// stream to stdout.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"spyre/cmd/spyrectl/commands"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "spyrectl",
		Short:         "Operator CLI for the Spyre controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("server", "http://localhost:8080", "Spyre server base URL")

	cmd.AddCommand(commands.NewPipelineCommand())
	cmd.AddCommand(commands.NewTaskCommand())
	cmd.AddCommand(commands.NewStreamCommand())

	return cmd
}
