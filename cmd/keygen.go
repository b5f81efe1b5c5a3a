package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/crypto"
)

var (
	keygenName string
	keygenNode string
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an X25519 key pair as a peers entry",
	Long: `Generate a new X25519 key pair and print it as a YAML keys.peers entry.

Examples:
  meshtap keygen --node '!aabbccdd' --name base >> keys.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runKeygen(os.Stdout, keygenName, keygenNode); err != nil {
			exitWithError("keygen failed", err)
		}
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenName, "name", "", "peer name")
	keygenCmd.Flags().StringVar(&keygenNode, "node", "", "node id, e.g. !aabbccdd (required)")
	keygenCmd.MarkFlagRequired("node")
}

type peerEntry struct {
	Name       string `yaml:"name,omitempty"`
	NodeID     string `yaml:"node_id"`
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
}

func runKeygen(w io.Writer, name, node string) error {
	id, err := core.ParseNodeID(node)
	if err != nil {
		return err
	}
	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	pub, err := crypto.PublicKey(priv)
	if err != nil {
		return err
	}

	out := map[string][]peerEntry{
		"peers": {{
			Name:       name,
			NodeID:     id.String(),
			PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
			PublicKey:  base64.StdEncoding.EncodeToString(pub[:]),
		}},
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
