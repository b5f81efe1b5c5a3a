// Package sniff captures mesh UDP traffic live from a network interface.
// Unlike the multicast transport it needs no group membership, so it
// also sees datagrams that other hosts on a mirrored port exchange.
package sniff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/source/pcap"
)

// errNoPacket is returned by a packetSource when its poll timed out.
var errNoPacket = errors.New("sniff: no packet")

// packetSource is a capture ring. Close must not be called while a read
// is in flight.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Drops() uint64
	Close()
}

// Dialer opens a capture ring on the configured interface.
type Dialer struct {
	name string
	cfg  config.SniffConfig
	norm *envelope.Normalizer
}

// New creates a dialer for cfg.
func New(name string, cfg config.SniffConfig, norm *envelope.Normalizer) *Dialer {
	return &Dialer{name: name, cfg: cfg, norm: norm}
}

// Kind implements session.Dialer.
func (d *Dialer) Kind() core.TransportKind { return core.TransportSniff }

type link struct {
	name  string
	iface string
	port  layers.UDPPort
	src   packetSource
	norm  *envelope.Normalizer

	// reading is held by Next for the duration of a read. Close only
	// releases the ring itself when no read is in flight; otherwise Next
	// does so after its poll returns.
	reading   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	freeOnce  sync.Once
	received  atomic.Uint64
}

func newLink(name, iface string, port int, src packetSource, norm *envelope.Normalizer) *link {
	return &link{
		name:  name,
		iface: iface,
		port:  layers.UDPPort(port),
		src:   src,
		norm:  norm,
		done:  make(chan struct{}),
	}
}

// Next implements session.Link.
func (l *link) Next(ctx context.Context) (core.CanonicalFrame, error) {
	l.reading.Lock()
	defer l.reading.Unlock()

	for {
		select {
		case <-l.done:
			l.free()
			return core.CanonicalFrame{}, core.ErrLinkClosed
		case <-ctx.Done():
			return core.CanonicalFrame{}, ctx.Err()
		default:
		}

		data, ci, err := l.src.ReadPacketData()
		if errors.Is(err, errNoPacket) {
			continue
		}
		if err != nil {
			return core.CanonicalFrame{}, fmt.Errorf("%w: %v", core.ErrLinkClosed, err)
		}
		l.received.Add(1)

		payload, remote, ok := pcap.Datagram(data, layers.LinkTypeEthernet, l.port)
		if !ok {
			continue
		}
		ts := ci.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		meta := core.FrameMeta{
			Transport:  core.TransportSniff,
			Session:    l.name,
			ReceivedAt: ts,
			RemoteAddr: remote,
		}
		if frame, ok := l.norm.Datagram(payload, meta); ok {
			return frame, nil
		}
	}
}

// Received implements session.TrafficCounter.
func (l *link) Received() uint64 { return l.received.Load() }

// Heartbeat implements session.Link.
func (l *link) Heartbeat(context.Context) error { return nil }

// Close implements session.Link.
func (l *link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.reading.TryLock() {
			l.free()
			l.reading.Unlock()
		}
	})
	return nil
}

func (l *link) free() {
	l.freeOnce.Do(func() {
		slog.Info("sniff capture stopped",
			"session", l.name,
			"interface", l.iface,
			"received", l.received.Load(),
			"dropped", l.src.Drops())
		l.src.Close()
	})
}
