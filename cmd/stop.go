package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the ramrod daemon",
	Long: `Stop the ramrod daemon gracefully.

The daemon unloads the function, deleting every filter from the device, and
exits. The saved filter snapshot is kept and replayed on the next start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

func runStop(ctx context.Context, c Client, out io.Writer) error {
	if _, err := call(ctx, c, "daemon_shutdown", nil); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon is shutting down")
	return nil
}
