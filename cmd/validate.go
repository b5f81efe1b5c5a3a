package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/keyring"
	"firestige.xyz/meshtap/pkg/plugin"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and key material",
	Long: `Load the configuration file, decode every key and check that every reporter
exists, without connecting to anything.

Examples:
  meshtap validate -c config.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, configFile); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

func runValidate(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	reg, err := keyring.Build(cfg.Keys)
	if err != nil {
		return err
	}
	for _, rc := range cfg.Reporters {
		if _, err := plugin.GetReporterFactory(rc.Name); err != nil {
			return fmt.Errorf("reporter %q: %w", rc.Name, err)
		}
	}

	fmt.Fprintf(w, "VALID: %d channel(s), %d peer(s), %d transport(s), %d reporter(s)\n",
		len(reg.Channels()), len(reg.Peers()), len(cfg.Transports), len(cfg.Reporters))
	for _, ch := range reg.Channels() {
		fmt.Fprintf(w, "  channel %-16s hash=0x%02x key=%d bytes\n", ch.Name, ch.Hash, len(ch.Key))
	}
	for _, p := range reg.Peers() {
		role := "remote"
		if p.Owned {
			role = "owned"
		}
		fmt.Fprintf(w, "  peer    %-16s node=%s %s\n", p.Name, p.NodeID, role)
	}
	for _, t := range cfg.Transports {
		fmt.Fprintf(w, "  transport %-14s %s\n", t.Name, t.Kind())
	}
	return nil
}
