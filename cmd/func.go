package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var funcCmd = &cobra.Command{
	Use:   "func <cmd>",
	Short: "Drive the function state machine",
	Long: `Issue one function state machine command.

Commands: start, stop, tx_stop, tx_start, switch_update. hw_init and
hw_reset run only as part of nic load and unload.

Examples:
  ramrod func tx_stop
  ramrod func switch_update --suspend`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := command.FuncCmdParams{Cmd: args[0], Flags: funcFlags}
		if cmd.Flags().Changed("suspend") {
			p.Suspend = &funcSuspend
		}
		return run(cmd.Context(), client(), cmd.OutOrStdout(), "func_cmd", p)
	},
}

var (
	funcSuspend bool
	funcFlags   string
)

func init() {
	funcCmd.Flags().BoolVar(&funcSuspend, "suspend", false, "switch_update: suspend or resume the function")
	funcCmd.Flags().StringVar(&funcFlags, "flags", "", "ramrod flags (default comp_wait)")
}
