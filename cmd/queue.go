package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var queueCmd = &cobra.Command{
	Use:   "queue <cmd>",
	Short: "Drive the queue state machine",
	Long: `Issue one queue state machine command.

Commands: init, setup, setup_tx_only, deactivate, activate, update,
update_tpa, halt, cfc_del, terminate, empty.

Examples:
  ramrod queue update -q 1 --activate=false
  ramrod queue halt -q 1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := command.QueueCmdParams{
			Queue:    queueIndex,
			Cmd:      args[0],
			CIDIndex: queueCIDIndex,
			Flags:    queueFlags,
		}
		if cmd.Flags().Changed("active") {
			p.Active = &queueActive
		}
		if cmd.Flags().Changed("activate") {
			p.Activate = &queueActivate
		}
		return run(cmd.Context(), client(), cmd.OutOrStdout(), "queue_cmd", p)
	},
}

var (
	queueIndex    int
	queueCIDIndex int
	queueActive   bool
	queueActivate bool
	queueFlags    string
)

func init() {
	queueCmd.Flags().IntVarP(&queueIndex, "queue", "q", 0, "queue index")
	queueCmd.Flags().IntVar(&queueCIDIndex, "cid-index", 0, "class-of-service connection for setup_tx_only/terminate/cfc_del")
	queueCmd.Flags().BoolVar(&queueActive, "active", true, "setup: start the queue active")
	queueCmd.Flags().BoolVar(&queueActivate, "activate", true, "update: activate or deactivate")
	queueCmd.Flags().StringVar(&queueFlags, "flags", "", "ramrod flags (default comp_wait)")
}
