package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the daemon configuration file",
	Long: `Load and validate a configuration file without starting the daemon.

Examples:
  ramrod validate -c /etc/ramrod/config.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	dev := cfg.Device
	fmt.Fprintf(out, "VALID: chip %s, function %d, %d queue(s), max_cos %d, rx_mode %s\n",
		dev.Chip, dev.FuncID, dev.NumQueues, dev.MaxCos, dev.RxMode)
	return nil
}
