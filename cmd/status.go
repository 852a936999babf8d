package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device and daemon status",
	Long: `Query the daemon for the state of the function, its queues, credit
pools, multicast registry, rx mode and RSS table.

With --daemon only version, uptime and load state are shown.

Examples:
  ramrod status
  ramrod status -o yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		method := "status"
		if statusDaemonOnly {
			method = "daemon_status"
		}
		return run(cmd.Context(), client(), cmd.OutOrStdout(), method, nil)
	},
}

var statusDaemonOnly bool

func init() {
	statusCmd.Flags().BoolVar(&statusDaemonOnly, "daemon", false, "show daemon status only")
}
