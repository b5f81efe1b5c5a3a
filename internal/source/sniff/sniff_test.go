package sniff

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/meshwire"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func ethernet(typ layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0x01, 0x00, 0x5e, 0, 0, 0x45},
		EthernetType: typ,
	}
}

func udp4(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      1,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 1, 20),
		DstIP:    net.IPv4(224, 0, 0, 69),
	}
	udp := &layers.UDP{SrcPort: 4403, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload(payload))
}

func udp6(t *testing.T, dstPort uint16, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   1,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("ff02::1"),
	}
	udp := &layers.UDP{SrcPort: 4403, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(layers.EthernetTypeIPv6), ip, udp, gopacket.Payload(payload))
}

func tcp4(t *testing.T, dstPort uint16) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(192, 168, 1, 20),
		DstIP:    net.IPv4(192, 168, 1, 1),
	}
	tcp := &layers.TCP{SrcPort: 50000, DstPort: layers.TCPPort(dstPort), SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ethernet(layers.EthernetTypeIPv4), ip, tcp)
}

func TestUDPDstPortFilter(t *testing.T) {
	raw, err := udpDstPortFilter(4403, 2048)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	vm, err := bpf.NewVM(udpDstPortProgram(4403, 2048))
	require.NoError(t, err)

	fragment := udp4(t, 4403, []byte{1, 2, 3})
	fragment[14+6] = 0x00
	fragment[14+7] = 0x10 // fragment offset 16

	tests := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"ipv4 mesh port", udp4(t, 4403, []byte{1, 2, 3}), true},
		{"ipv6 mesh port", udp6(t, 4403, []byte{1, 2, 3}), true},
		{"ipv4 other port", udp4(t, 5353, []byte{1}), false},
		{"ipv6 other port", udp6(t, 5353, []byte{1}), false},
		{"tcp to mesh port", tcp4(t, 4403), false},
		{"ipv4 fragment", fragment, false},
		{"arp", serialize(t, ethernet(layers.EthernetTypeARP), &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
			SourceProtAddress: []byte{192, 168, 1, 20},
			DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
			DstProtAddress:    []byte{192, 168, 1, 1},
		}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := vm.Run(tt.frame)
			require.NoError(t, err)
			assert.Equal(t, tt.accept, n > 0)
		})
	}
}

type capture struct {
	data []byte
	ts   time.Time
	err  error
}

type fakeSource struct {
	mu      sync.Mutex
	queue   []capture
	closed  bool
	reads   int
	release chan struct{}
}

func (s *fakeSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	s.mu.Lock()
	s.reads++
	if len(s.queue) > 0 {
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return c.data, gopacket.CaptureInfo{Timestamp: c.ts, CaptureLength: len(c.data), Length: len(c.data)}, c.err
	}
	s.mu.Unlock()
	if s.release != nil {
		<-s.release
	} else {
		time.Sleep(time.Millisecond)
	}
	return nil, gopacket.CaptureInfo{}, errNoPacket
}

func (s *fakeSource) Drops() uint64 { return 0 }

func (s *fakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestLinkNext(t *testing.T) {
	packet := meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 0xaabbccdd, To: core.BroadcastNodeID, ID: 7, Channel: 8, Encrypted: []byte{1, 2, 3},
	})
	ts := time.Unix(1700000000, 0)
	src := &fakeSource{queue: []capture{
		{data: udp4(t, 5353, []byte("mdns")), ts: ts},
		{data: udp4(t, 4403, []byte{0xff, 0xff}), ts: ts},
		{data: udp4(t, 4403, packet), ts: ts},
	}}

	norm := envelope.NewNormalizer()
	l := newLink("mirror", "eth0", 4403, src, norm)

	frame, err := l.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, packet, frame.Data)
	assert.Equal(t, core.TransportSniff, frame.Meta.Transport)
	assert.Equal(t, "mirror", frame.Meta.Session)
	assert.Equal(t, ts, frame.Meta.ReceivedAt)
	assert.Equal(t, "192.168.1.20:4403", frame.Meta.RemoteAddr)
	assert.Equal(t, uint64(3), l.Received())
	assert.Equal(t, uint64(1), norm.Stats().Failures.Load())

	require.NoError(t, l.Close())
	assert.True(t, src.isClosed())

	_, err = l.Next(context.Background())
	assert.ErrorIs(t, err, core.ErrLinkClosed)
}

func TestLinkReadError(t *testing.T) {
	src := &fakeSource{queue: []capture{{err: errors.New("ring broken")}}}
	l := newLink("mirror", "eth0", 4403, src, envelope.NewNormalizer())

	_, err := l.Next(context.Background())
	assert.ErrorIs(t, err, core.ErrLinkClosed)
	require.NoError(t, l.Close())
	assert.True(t, src.isClosed())
}

func TestLinkContextCancel(t *testing.T) {
	src := &fakeSource{}
	l := newLink("mirror", "eth0", 4403, src, envelope.NewNormalizer())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, src.isClosed())
}

func TestCloseDuringRead(t *testing.T) {
	src := &fakeSource{release: make(chan struct{})}
	l := newLink("mirror", "eth0", 4403, src, envelope.NewNormalizer())

	errc := make(chan error, 1)
	go func() {
		_, err := l.Next(context.Background())
		errc <- err
	}()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.reads > 0
	}, time.Second, time.Millisecond)

	require.NoError(t, l.Close())
	// the ring is in use by the blocked read and must stay mapped
	assert.False(t, src.isClosed())

	close(src.release)
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, core.ErrLinkClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.True(t, src.isClosed())
}

func TestDialerKind(t *testing.T) {
	d := New("mirror", config.SniffConfig{Interface: "eth0", Port: 4403}, envelope.NewNormalizer())
	assert.Equal(t, core.TransportSniff, d.Kind())
}
