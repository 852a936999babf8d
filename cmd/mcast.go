package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var mcastCmd = &cobra.Command{
	Use:   "mcast",
	Short: "Manage multicast membership",
	Long: `Add multicast groups, delete all of them, or restore them after a reset.

Examples:
  ramrod mcast add 01:00:5e:00:00:01 01:00:5e:00:00:fb
  ramrod mcast del
  ramrod mcast restore`,
}

var mcastFlags string

func mcastCommand(use, short, method string, args cobra.PositionalArgs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), client(), cmd.OutOrStdout(), method,
				command.McastParams{MACs: args, Flags: mcastFlags})
		},
	}
	cmd.Flags().StringVar(&mcastFlags, "flags", "", "ramrod flags (default comp_wait)")
	return cmd
}

func init() {
	mcastCmd.AddCommand(mcastCommand("add <mac>...", "Join multicast groups", "mcast_add", cobra.MinimumNArgs(1)))
	mcastCmd.AddCommand(mcastCommand("del", "Leave all multicast groups", "mcast_del", cobra.NoArgs))
	mcastCmd.AddCommand(mcastCommand("restore", "Re-issue the multicast registry", "mcast_restore", cobra.NoArgs))
}
