package cmd

import (
	"github.com/spf13/cobra"
)

var nicCmd = &cobra.Command{
	Use:   "nic",
	Short: "Load, unload or recover the device function",
	Long: `The daemon loads the function on start and unloads it on shutdown.
These commands repeat the steps on a running daemon.

  load     HwInit, Start, queue setup, rx mode, then replay the saved filters
  unload   delete all filters, tear queues down, Stop, HwReset
  recover  re-issue every committed filter after a device reset`,
}

func nicCommand(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), client(), cmd.OutOrStdout(), method, nil)
		},
	}
}

func init() {
	nicCmd.AddCommand(nicCommand("load", "Bring the function up", "nic_load"))
	nicCmd.AddCommand(nicCommand("unload", "Tear the function down", "nic_unload"))
	nicCmd.AddCommand(nicCommand("recover", "Restore filters after a device reset", "nic_recover"))
}
