package commands

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStreamCommand returns `spyrectl stream`, which tails one of Spyre's
// SSE endpoints and prints each event line to stdout until interrupted.
func NewStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream <path>",
		Short: "Tail an SSE stream (e.g. /api/pipelines/<id>/stream) to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			resp, err := c.stream(args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if line == "" {
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return scanner.Err()
		},
	}
	return cmd
}
