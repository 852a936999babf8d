package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var vlanCmd = &cobra.Command{
	Use:   "vlan",
	Short: "Manage VLAN classification filters",
	Long: `Add or delete VLAN filters of a queue. Not available on e1x.

Examples:
  ramrod vlan add 100 -q 0
  ramrod vlan del 100 -q 0`,
}

func vlanCommand(use, short, method string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <vlan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vlan, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid vlan id %q: %w", args[0], err)
			}
			return runEntry(cmd.Context(), client(), cmd.OutOrStdout(), method,
				command.EntryParams{Queue: entryQueue, VLAN: &vlan, Flags: entryFlags})
		},
	}
	addEntryFlags(cmd, false)
	return cmd
}

func init() {
	vlanCmd.AddCommand(vlanCommand("add", "Add a VLAN filter", "vlan_add"))
	vlanCmd.AddCommand(vlanCommand("del", "Delete a VLAN filter", "vlan_del"))
}
