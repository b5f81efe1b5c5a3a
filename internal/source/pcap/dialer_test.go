package pcap

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/meshwire"
)

func udpFrame(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0, 0, 0x45},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 20),
		DstIP:    net.IPv4(224, 0, 0, 69),
	}
	udp := &layers.UDP{SrcPort: 4403, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writeCapture(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mesh.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Second),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestReplay(t *testing.T) {
	packet := meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 0xaabbccdd, To: core.BroadcastNodeID, ID: 42, Channel: 8, Encrypted: []byte{1, 2, 3},
	})
	path := writeCapture(t,
		udpFrame(t, 5353, []byte("mdns")),
		udpFrame(t, 4403, []byte{0xff, 0xff}),
		udpFrame(t, 4403, packet),
	)

	norm := envelope.NewNormalizer()
	d := New("replay", config.PcapConfig{Path: path, Port: 4403}, norm)
	assert.Equal(t, core.TransportPcap, d.Kind())

	link, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	frame, err := link.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, packet, frame.Data)
	assert.Equal(t, "192.168.1.20:4403", frame.Meta.RemoteAddr)
	assert.Equal(t, time.Unix(1700000002, 0).UTC(), frame.Meta.ReceivedAt.UTC())
	assert.Equal(t, uint64(1), norm.Stats().Failures.Load())

	_, err = link.Next(context.Background())
	assert.True(t, errors.Is(err, core.ErrSourceDrained), "got %v", err)
}

func TestReplayStopsOnCorruptRecord(t *testing.T) {
	path := writeCapture(t, udpFrame(t, 4403, []byte{1, 2, 3}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// record header starts after the 24 byte file header; incl_len is
	// its third field
	binary.LittleEndian.PutUint32(data[24+8:], 1<<20)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	link, err := New("replay", config.PcapConfig{Path: path, Port: 4403}, envelope.NewNormalizer()).Dial(context.Background())
	require.NoError(t, err)
	defer link.Close()

	_, err = link.Next(context.Background())
	assert.ErrorIs(t, err, core.ErrSourceDrained)
	assert.NotErrorIs(t, err, core.ErrLinkClosed)
}

func TestDialMissingFile(t *testing.T) {
	d := New("replay", config.PcapConfig{Path: filepath.Join(t.TempDir(), "none.pcap")}, envelope.NewNormalizer())
	_, err := d.Dial(context.Background())
	assert.Error(t, err)
}

func TestDialNotACapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pcap")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a capture file"), 0o644))
	d := New("replay", config.PcapConfig{Path: path}, envelope.NewNormalizer())
	_, err := d.Dial(context.Background())
	assert.Error(t, err)
}
