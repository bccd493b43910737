package commands

import (
	"github.com/spf13/cobra"
)

// NewTaskCommand returns the `spyrectl task` command group for dispatching
// and inspecting one-off Claude Code CLI tasks.
func NewTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Dispatch or inspect a one-off Claude Code task",
	}

	cmd.AddCommand(newTaskDispatchCommand())
	cmd.AddCommand(newTaskGetCommand())

	return cmd
}

func newTaskDispatchCommand() *cobra.Command {
	var envID, workingDir, devContainerID string

	cmd := &cobra.Command{
		Use:   "dispatch <prompt>",
		Short: "Dispatch a prompt against an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			body := map[string]string{
				"envId":          envID,
				"prompt":         args[0],
				"workingDir":     workingDir,
				"devcontainerId": devContainerID,
			}
			var task map[string]any
			if err := c.decode("POST", "/api/claude/tasks", body, &task); err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}

	cmd.Flags().StringVar(&envID, "env", "", "target environment id (required)")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "remote working directory")
	cmd.Flags().StringVar(&devContainerID, "devcontainer", "", "target dev-container id")
	cmd.MarkFlagRequired("env")

	return cmd
}

func newTaskGetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <task-id>",
		Short: "Print a task's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.decode("GET", "/api/claude/tasks/"+args[0], nil, &out); err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := jsonEncoder(cmd)
	return enc.Encode(v)
}
