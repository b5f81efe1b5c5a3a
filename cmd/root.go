// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Register built-in reporters.
	_ "firestige.xyz/meshtap/plugins"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "meshtap",
	Short: "meshtap - passive mesh radio packet tap",
	Long: `meshtap listens to mesh radio traffic on serial, TCP, MQTT, UDP multicast or
pcap captures, decodes the packets and decrypts them with configured channel
and peer keys. It never transmits mesh traffic.

Features:
  - Several transports at once with automatic reconnect
  - Channel (AES-CTR) and peer (X25519 + AES-CCM) decryption
  - Duplicate suppression across transports and gateways
  - Console, file and Kafka reporters`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/meshtap/config.yml",
		"config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(decodeCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
