// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/command"
)

var (
	// Global flags
	configFile   string
	socketPath   string
	outputFormat string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ramrod",
	Short: "ramrod - NIC slow-path command daemon and CLI",
	Long: `ramrod drives the slow path of a NIC function: classification filters
(MAC, VLAN, VLAN+MAC), multicast membership, RSS, rx mode, and the queue and
function state machines. Every change is issued as an asynchronous ramrod
and committed when the device completes it.

The daemon owns the device. The other commands talk to it over its Unix
domain socket.`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/ramrod/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/ramrod.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json",
		"output format: json | yaml")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(nicCmd)
	rootCmd.AddCommand(macCmd)
	rootCmd.AddCommand(vlanCmd)
	rootCmd.AddCommand(mcastCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(funcCmd)
	rootCmd.AddCommand(rssCmd)
	rootCmd.AddCommand(rxModeCmd)
	rootCmd.AddCommand(frameCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(validateCmd)
}
