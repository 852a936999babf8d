package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var macCmd = &cobra.Command{
	Use:   "mac",
	Short: "Manage MAC classification filters",
	Long: `Add, delete, move and list MAC filters of a queue.

With --vlan the entry is a VLAN+MAC pair.

Examples:
  ramrod mac add 02:00:00:00:00:01 -q 0
  ramrod mac add 02:00:00:00:00:01 -q 0 --vlan 100
  ramrod mac move 02:00:00:00:00:01 -q 0 --target 1
  ramrod mac del 02:00:00:00:00:01 -q 1 --class iscsi
  ramrod mac list -q 0 --kind vlan-mac`,
}

var (
	entryQueue  int
	entryClass  string
	entryVLAN   int
	entryTarget int
	entryFlags  string
	listKind    string
)

func entryCommand(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <mac>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := command.EntryParams{
				Queue:  entryQueue,
				MAC:    args[0],
				Class:  entryClass,
				Target: entryTarget,
				Flags:  entryFlags,
			}
			if cmd.Flags().Changed("vlan") {
				vlan := entryVLAN
				p.VLAN = &vlan
			}
			return runEntry(cmd.Context(), client(), cmd.OutOrStdout(), method, p)
		},
	}
}

var macListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the committed entries of a queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), client(), cmd.OutOrStdout(), "mac_list",
			command.ListParams{Queue: entryQueue, Kind: listKind})
	},
}

func runEntry(ctx context.Context, c Client, out io.Writer, method string, p command.EntryParams) error {
	return run(ctx, c, out, method, p)
}

func addEntryFlags(cmd *cobra.Command, withMAC bool) {
	cmd.Flags().IntVarP(&entryQueue, "queue", "q", 0, "queue index")
	cmd.Flags().StringVar(&entryFlags, "flags", "", "ramrod flags, e.g. comp_wait|cont (default comp_wait)")
	if withMAC {
		cmd.Flags().StringVar(&entryClass, "class", "", "entry class: eth | iscsi | netq (default eth)")
		cmd.Flags().IntVar(&entryVLAN, "vlan", 0, "VLAN id; makes the entry a VLAN+MAC pair")
	}
}

func init() {
	add := entryCommand("add", "Add a MAC filter", "mac_add")
	del := entryCommand("del", "Delete a MAC filter", "mac_del")
	move := entryCommand("move", "Move a MAC filter to another queue", "mac_move")
	for _, c := range []*cobra.Command{add, del, move} {
		addEntryFlags(c, true)
		macCmd.AddCommand(c)
	}
	move.Flags().IntVar(&entryTarget, "target", 0, "destination queue index")
	move.MarkFlagRequired("target")

	macListCmd.Flags().IntVarP(&entryQueue, "queue", "q", 0, "queue index")
	macListCmd.Flags().StringVar(&listKind, "kind", "mac", "mac | vlan | vlan-mac")
	macCmd.AddCommand(macListCmd)
}
