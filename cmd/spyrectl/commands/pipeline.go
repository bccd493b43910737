package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewPipelineCommand returns the `spyrectl pipeline` command group: start
// and cancel, the two pipeline lifecycle transitions an operator drives by
// hand most often (spec.md §6).
func NewPipelineCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Start, cancel or inspect a pipeline",
	}

	cmd.AddCommand(newPipelineStartCommand())
	cmd.AddCommand(newPipelineCancelCommand())
	cmd.AddCommand(newPipelineGetCommand())

	return cmd
}

func newPipelineStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <pipeline-id>",
		Short: "Start a draft or failed pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.decode("POST", "/api/pipelines/"+args[0]+"/start", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s started\n", args[0])
			return nil
		},
	}
	return cmd
}

func newPipelineCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <pipeline-id>",
		Short: "Cancel a running or paused pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			if err := c.decode("POST", "/api/pipelines/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s cancelled\n", args[0])
			return nil
		},
	}
	return cmd
}

func newPipelineGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <pipeline-id>",
		Short: "Print a pipeline's current status and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.decode("GET", "/api/pipelines/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	return cmd
}
