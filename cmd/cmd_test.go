package cmd

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/crypto"
	"firestige.xyz/meshtap/internal/keyring"
	"firestige.xyz/meshtap/internal/meshwire"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRunValidate_Success(t *testing.T) {
	path := writeConfig(t, `
meshtap:
  keys:
    channels:
      - name: LongFast
        key: "AQ=="
  transports:
    - name: lan
      multicast: {}
`)

	var buf bytes.Buffer
	err := runValidate(&buf, path)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "VALID: 1 channel(s), 0 peer(s), 1 transport(s), 1 reporter(s)")
	assert.Contains(t, buf.String(), "hash=0x08")
	assert.Contains(t, buf.String(), "multicast")
}

func TestRunValidate_BadKey(t *testing.T) {
	path := writeConfig(t, `
meshtap:
  keys:
    channels:
      - name: Broken
        key: "AAEC"
`)

	err := runValidate(&bytes.Buffer{}, path)
	assert.ErrorIs(t, err, core.ErrMalformedKeyMaterial)
}

func TestRunValidate_UnknownReporter(t *testing.T) {
	path := writeConfig(t, `
meshtap:
  reporters:
    - name: nowhere
`)

	err := runValidate(&bytes.Buffer{}, path)
	assert.ErrorIs(t, err, core.ErrPluginNotFound)
}

func TestRunKeygen(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runKeygen(&buf, "base", "aabbccdd"))

	var out struct {
		Peers []peerEntry `yaml:"peers"`
	}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out.Peers, 1)

	p := out.Peers[0]
	assert.Equal(t, "base", p.Name)
	assert.Equal(t, "!aabbccdd", p.NodeID)

	priv, err := base64.StdEncoding.DecodeString(p.PrivateKey)
	require.NoError(t, err)
	pub, err := base64.StdEncoding.DecodeString(p.PublicKey)
	require.NoError(t, err)

	privKey, err := crypto.KeyFromBytes(priv)
	require.NoError(t, err)
	derived, err := crypto.PublicKey(privKey)
	require.NoError(t, err)
	assert.Equal(t, pub, derived[:])

	// The entry loads back into a registry.
	_, err = keyring.Build(config.KeysConfig{Peers: []config.PeerConfig{{
		Name: p.Name, NodeID: 0xaabbccdd, PrivateKey: p.PrivateKey, PublicKey: p.PublicKey,
	}}})
	assert.NoError(t, err)
}

func TestRunKeygen_BadNode(t *testing.T) {
	err := runKeygen(&bytes.Buffer{}, "", "!nothex")
	assert.ErrorIs(t, err, core.ErrInvalidNodeID)
}

func longFastPacket(t *testing.T) []byte {
	t.Helper()
	plain := meshwire.AppendData(nil, &core.Data{PortNum: core.PortTextMessage, Payload: []byte("hello mesh")})
	ct, err := crypto.EncryptChannel(keyring.DefaultKey, 42, 0xaabbccdd, plain)
	require.NoError(t, err)
	return meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 0xaabbccdd, To: core.BroadcastNodeID, ID: 42, Channel: 0x08, Encrypted: ct,
	})
}

func TestRunDecode_Packet(t *testing.T) {
	var buf bytes.Buffer
	err := runDecode(&buf, defaultKeys, longFastPacket(t), "packet", false)

	require.NoError(t, err)
	assert.Contains(t, buf.String(), "!aabbccdd -> !ffffffff id=42 ch=0x08")
	assert.Contains(t, buf.String(), "decrypted via=channel:LongFast")
	assert.Contains(t, buf.String(), `text="hello mesh"`)
}

func TestRunDecode_EnvelopeJSON(t *testing.T) {
	env := meshwire.ServiceEnvelope(longFastPacket(t), "LongFast", "!01020304")

	var buf bytes.Buffer
	require.NoError(t, runDecode(&buf, defaultKeys, env, "envelope", true))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "decrypted", m["status"])
	assert.Equal(t, "LongFast", m["channel_id"])
	assert.Equal(t, "!01020304", m["gateway_id"])
}

func TestRunDecode_FromRadio(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, runDecode(&buf, defaultKeys, meshwire.FromRadio(1, longFastPacket(t)), "fromradio", false))
	assert.Contains(t, buf.String(), "decrypted")
}

func TestRunDecode_Errors(t *testing.T) {
	err := runDecode(&bytes.Buffer{}, defaultKeys, []byte{0xff}, "packet", false)
	assert.ErrorIs(t, err, core.ErrMalformedFrame)

	err = runDecode(&bytes.Buffer{}, defaultKeys, nil, "telepathy", false)
	assert.Error(t, err)

	// A FromRadio without a packet is not a mesh packet.
	err = runDecode(&bytes.Buffer{}, defaultKeys, []byte{0x08, 0x01}, "fromradio", false)
	assert.True(t, errors.Is(err, core.ErrMalformedEnvelope))
}

func TestDecodeInput(t *testing.T) {
	b, err := decodeInput("de ad:be\nef", "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b, err = decodeInput("", base64.StdEncoding.EncodeToString([]byte{1, 2}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, b)

	_, err = decodeInput("zz", "")
	assert.Error(t, err)
}

func TestLoadKeysFallsBackToDefault(t *testing.T) {
	keys, err := loadKeys(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, defaultKeys, keys)
}
