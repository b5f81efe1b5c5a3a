package cmd

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/decoder"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/decrypt"
	"firestige.xyz/meshtap/internal/keyring"
	"firestige.xyz/meshtap/plugins/reporter/record"
)

var (
	decodeHex    string
	decodeBase64 string
	decodeKind   string
	decodeJSON   bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Decode and decrypt a single packet offline",
	Long: `Decode one packet given as hex or base64 and try every configured key on it.

The input is a MeshPacket by default. Use --kind envelope for an MQTT
ServiceEnvelope payload or --kind fromradio for a stream frame payload.
Without a config file only the default LongFast channel is tried.

Examples:
  meshtap decode -c config.yml --hex 0dddccbbaa15ffffffff...
  meshtap decode --kind envelope --base64 CjQN... --json`,
	Run: func(cmd *cobra.Command, args []string) {
		input, err := decodeInput(decodeHex, decodeBase64)
		if err != nil {
			exitWithError("invalid input", err)
		}
		keys, err := loadKeys(configFile)
		if err != nil {
			exitWithError("failed to load keys", err)
		}
		if err := runDecode(os.Stdout, keys, input, decodeKind, decodeJSON); err != nil {
			exitWithError("decode failed", err)
		}
	},
}

func init() {
	decodeCmd.Flags().StringVar(&decodeHex, "hex", "", "packet bytes as hex")
	decodeCmd.Flags().StringVar(&decodeBase64, "base64", "", "packet bytes as base64")
	decodeCmd.Flags().StringVar(&decodeKind, "kind", "packet", "input kind: packet, envelope or fromradio")
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "print the result as JSON")
	decodeCmd.MarkFlagsMutuallyExclusive("hex", "base64")
	decodeCmd.MarkFlagsOneRequired("hex", "base64")
}

func decodeInput(hexStr, b64 string) ([]byte, error) {
	if hexStr != "" {
		clean := strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(hexStr)
		return hex.DecodeString(clean)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
}

// defaultKeys is used when no config file exists.
var defaultKeys = config.KeysConfig{
	Channels: []config.ChannelConfig{{Name: "LongFast", Key: "AQ=="}},
}

func loadKeys(path string) (config.KeysConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "note: %s not found, using the default LongFast channel only\n", path)
		return defaultKeys, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.KeysConfig{}, err
	}
	return cfg.Keys, nil
}

func runDecode(w io.Writer, keys config.KeysConfig, input []byte, kind string, asJSON bool) error {
	reg, err := keyring.Build(keys)
	if err != nil {
		return err
	}

	meta := core.FrameMeta{Session: "decode"}
	norm := envelope.NewNormalizer()
	var (
		frame core.CanonicalFrame
		ok    = true
	)
	switch kind {
	case "packet":
		frame = core.CanonicalFrame{Data: input, Meta: meta}
	case "envelope":
		meta.Transport = core.TransportMQTT
		frame, ok = norm.ServiceEnvelope("msh/2/e", input, meta)
	case "fromradio":
		meta.Transport = core.TransportTCP
		frame, ok = norm.FromRadio(input, meta)
	default:
		return fmt.Errorf("unknown input kind %q", kind)
	}
	if !ok {
		return fmt.Errorf("%w: %s carries no mesh packet", core.ErrMalformedEnvelope, kind)
	}

	pkt, err := decoder.NewMeshDecoder().Decode(frame)
	if err != nil {
		return err
	}
	msg := decrypt.NewEngine(reg, nil).Process(pkt, frame.Meta)
	ev := core.Event{Message: &msg}

	if asJSON {
		b, err := record.JSON(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	}
	line, err := record.Text(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, line)
	return err
}
