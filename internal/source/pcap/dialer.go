// Package pcap replays mesh multicast traffic from a capture file. It is a
// finite source: the session stops once the file is exhausted.
package pcap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/session"
)

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Dialer opens the capture file.
type Dialer struct {
	name string
	cfg  config.PcapConfig
	norm *envelope.Normalizer
}

// New creates a dialer for cfg.
func New(name string, cfg config.PcapConfig, norm *envelope.Normalizer) *Dialer {
	return &Dialer{name: name, cfg: cfg, norm: norm}
}

// Kind implements session.Dialer.
func (d *Dialer) Kind() core.TransportKind { return core.TransportPcap }

// Dial implements session.Dialer. Both pcap and pcapng files are
// accepted.
func (d *Dialer) Dial(context.Context) (session.Link, error) {
	f, err := os.Open(d.cfg.Path)
	if err != nil {
		return nil, err
	}
	r, err := openReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", d.cfg.Path, err)
	}
	return &link{
		name:   d.name,
		port:   layers.UDPPort(d.cfg.Port),
		file:   f,
		reader: r,
		norm:   d.norm,
	}, nil
}

func openReader(f *os.File) (packetReader, error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	// pcapng files start with a section header block
	if magic[0] == 0x0a && magic[1] == 0x0d && magic[2] == 0x0d && magic[3] == 0x0a {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

type link struct {
	name   string
	port   layers.UDPPort
	file   io.Closer
	reader packetReader
	norm   *envelope.Normalizer
}

// Next implements session.Link. It returns the next UDP payload sent to
// the mesh port. End of file, and any record the reader cannot decode,
// is core.ErrSourceDrained.
func (l *link) Next(ctx context.Context) (core.CanonicalFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.CanonicalFrame{}, err
		}
		data, ci, err := l.reader.ReadPacketData()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return core.CanonicalFrame{}, core.ErrSourceDrained
		}
		if err != nil {
			// a corrupt record header cannot be skipped
			slog.Error("pcap replay stopped on unreadable record",
				"session", l.name, "error", err)
			return core.CanonicalFrame{}, fmt.Errorf("%w: %v", core.ErrSourceDrained, err)
		}

		payload, remote, ok := Datagram(data, l.reader.LinkType(), l.port)
		if !ok {
			continue
		}

		meta := core.FrameMeta{
			Transport:  core.TransportPcap,
			Session:    l.name,
			ReceivedAt: ci.Timestamp,
			RemoteAddr: remote,
		}
		if frame, ok := l.norm.Datagram(payload, meta); ok {
			return frame, nil
		}
	}
}

// Datagram extracts the payload of a UDP datagram sent to port from a
// link layer frame, together with its source address. ok is false for
// anything else.
func Datagram(data []byte, lt layers.LinkType, port layers.UDPPort) (payload []byte, remote string, ok bool) {
	pkt := gopacket.NewPacket(data, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udp, isUDP := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !isUDP || udp.DstPort != port {
		return nil, "", false
	}
	srcPort := strconv.Itoa(int(udp.SrcPort))
	if nl := pkt.NetworkLayer(); nl != nil {
		return udp.Payload, net.JoinHostPort(nl.NetworkFlow().Src().String(), srcPort), true
	}
	return udp.Payload, srcPort, true
}

// Heartbeat implements session.Link.
func (l *link) Heartbeat(context.Context) error { return nil }

// Close implements session.Link.
func (l *link) Close() error {
	return l.file.Close()
}
