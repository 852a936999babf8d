package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var frameCmd = &cobra.Command{
	Use:   "frame <hex>",
	Short: "Check whether a client's filters accept a frame",
	Long: `Run an Ethernet frame through the device filter tables of one client
and report the verdict. Colons in the hex string are ignored.

Example:
  ramrod frame --client 0 020000000001 0200000000aa 0800 ...`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hex := ""
		for _, a := range args {
			hex += a
		}
		return run(cmd.Context(), client(), cmd.OutOrStdout(), "frame_check",
			command.FrameParams{Client: frameClient, Frame: hex})
	},
}

var frameClient uint8

func init() {
	frameCmd.Flags().Uint8Var(&frameClient, "client", 0, "client id (queue index)")
}
