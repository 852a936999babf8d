package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var rxModeCmd = &cobra.Command{
	Use:       "rxmode <none|normal|allmulti|promisc>",
	Short:     "Set the receive mode of every queue",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"none", "normal", "allmulti", "promisc"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), client(), cmd.OutOrStdout(), "rx_mode",
			command.RxModeParams{Mode: args[0], Flags: rxModeFlags})
	},
}

var rxModeFlags string

func init() {
	rxModeCmd.Flags().StringVar(&rxModeFlags, "flags", "", "ramrod flags (default comp_wait)")
}
