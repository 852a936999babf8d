package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var rssCmd = &cobra.Command{
	Use:   "rss",
	Short: "Configure receive side scaling",
	Long: `Configure the RSS hash capabilities, indirection table and key.

Without --ind-table the table is spread over all queues.

Examples:
  ramrod rss --caps ipv4,ipv4_tcp,ipv6
  ramrod rss --caps ipv4 --ind-table 0,1 --key 6d5a56da255b0ec2...
  ramrod rss --mode disabled`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := command.RSSParams{
			Mode:       rssMode,
			Caps:       rssCaps,
			ResultMask: rssResultMask,
			Key:        rssKey,
			Flags:      rssFlags,
		}
		for _, q := range rssIndTable {
			if q > 255 {
				return fmt.Errorf("indirection table entry %d out of range", q)
			}
			p.IndTable = append(p.IndTable, uint8(q))
		}
		return run(cmd.Context(), client(), cmd.OutOrStdout(), "rss_config", p)
	},
}

var (
	rssMode       string
	rssCaps       []string
	rssResultMask uint8
	rssIndTable   []uint
	rssKey        string
	rssFlags      string
)

func init() {
	rssCmd.Flags().StringVar(&rssMode, "mode", "regular", "regular | disabled")
	rssCmd.Flags().StringSliceVar(&rssCaps, "caps", nil, "ipv4, ipv4_tcp, ipv4_udp, ipv6, ipv6_tcp, ipv6_udp")
	rssCmd.Flags().Uint8Var(&rssResultMask, "result-mask", 0, "hash result mask")
	rssCmd.Flags().UintSliceVar(&rssIndTable, "ind-table", nil, "indirection table, repeated to fill all entries")
	rssCmd.Flags().StringVar(&rssKey, "key", "", "hash key in hex")
	rssCmd.Flags().StringVar(&rssFlags, "flags", "", "ramrod flags (default comp_wait)")
}
