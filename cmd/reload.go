package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Ask the daemon to re-read its configuration file. Log settings and the
completion wait budget take effect at once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

// runReload holds the command logic so tests can drive it with a mock.
func runReload(ctx context.Context, c Client, out io.Writer) error {
	if _, err := call(ctx, c, "config_reload", nil); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Configuration reloaded successfully")
	return nil
}
