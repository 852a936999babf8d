package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/ramrod/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the ramrod daemon in foreground",
	Long: `Run the ramrod daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Bring the device function up and replay the saved filter snapshot
  4. Start UDS server for CLI control
  5. Start Kafka command consumer (if configured)
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			return err
		}
		return nil
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")
}

func runDaemon() error {
	sock := socketPath
	if !rootCmd.PersistentFlags().Changed("socket") {
		sock = ""
	}
	d, err := daemon.New(configFile, sock, pidFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Run()
}
