package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/meshtap/internal/daemon"
)

var pidFile string

// runCmd runs the tap in the foreground.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run meshtap in foreground",
	Long: `Run the meshtap process in foreground.

meshtap will:
  1. Load configuration and key material
  2. Initialize logging, reporters and metrics
  3. Connect every configured transport and keep it connected
  4. Decode, decrypt and report every packet heard
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

A pcap-only configuration exits once every capture has been replayed.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			exitWithError("meshtap failed", err)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "", "PID file path (disabled when empty)")
}

func runDaemon() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	// Blocks until shutdown
	return d.Run()
}
