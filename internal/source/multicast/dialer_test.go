package multicast

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/meshwire"
)

func TestLinkReadsDatagrams(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	norm := envelope.NewNormalizer()
	l := newLink("lan", conn, norm)
	defer l.Close()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	packet := meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 0x10, To: core.BroadcastNodeID, ID: 1, Channel: 8, Encrypted: []byte{9, 9},
	})
	_, err = sender.Write([]byte{0xff, 0xff, 0xff})
	require.NoError(t, err)
	_, err = sender.Write(packet)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := l.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, packet, frame.Data)
	assert.Equal(t, core.TransportMulticast, frame.Meta.Transport)
	assert.Equal(t, sender.LocalAddr().String(), frame.Meta.RemoteAddr)
	assert.Equal(t, uint64(2), l.Received())
	assert.Equal(t, uint64(1), norm.Stats().Failures.Load())

	require.NoError(t, l.Close())
	_, err = l.Next(context.Background())
	assert.ErrorIs(t, err, core.ErrLinkClosed)
}

func TestLinkDropsTruncatedDatagram(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	norm := envelope.NewNormalizer()
	l := newLink("lan", conn, norm)
	defer l.Close()

	sender, err := net.Dial("udp4", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	// a valid packet whose encrypted payload overruns the read buffer
	big := meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 0x10, To: core.BroadcastNodeID, ID: 1, Channel: 8, Encrypted: make([]byte, readBufferSize+100),
	})
	packet := meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 0x10, To: core.BroadcastNodeID, ID: 2, Channel: 8, Encrypted: []byte{7},
	})
	_, err = sender.Write(big)
	require.NoError(t, err)
	_, err = sender.Write(packet)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	frame, err := l.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, packet, frame.Data)
	assert.Equal(t, uint64(2), l.Received())
	assert.Equal(t, uint64(1), norm.Stats().Failures.Load())
}

func TestDialRejectsUnicastAddress(t *testing.T) {
	d := New("lan", config.MulticastConfig{ListenAddress: "127.0.0.1:4403"}, envelope.NewNormalizer())
	assert.Equal(t, core.TransportMulticast, d.Kind())
	_, err := d.Dial(context.Background())
	assert.ErrorContains(t, err, "not a multicast address")
}
