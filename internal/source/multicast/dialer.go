// Package multicast listens to mesh packets that nodes broadcast to a UDP
// multicast group on the local network.
package multicast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/core/framing"
	"firestige.xyz/meshtap/internal/session"
)

// Dialer joins the multicast group on each Dial.
type Dialer struct {
	name string
	cfg  config.MulticastConfig
	norm *envelope.Normalizer
}

// New creates a dialer for cfg.
func New(name string, cfg config.MulticastConfig, norm *envelope.Normalizer) *Dialer {
	return &Dialer{name: name, cfg: cfg, norm: norm}
}

// Kind implements session.Dialer.
func (d *Dialer) Kind() core.TransportKind { return core.TransportMulticast }

// Dial implements session.Dialer.
func (d *Dialer) Dial(ctx context.Context) (session.Link, error) {
	group, err := net.ResolveUDPAddr("udp4", d.cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", d.cfg.ListenAddress, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group.IP)
	}

	var ifi *net.Interface
	if d.cfg.Interface != "" {
		if ifi, err = net.InterfaceByName(d.cfg.Interface); err != nil {
			return nil, fmt.Errorf("interface %s: %w", d.cfg.Interface, err)
		}
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", group.Port))
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join %s: %w", group.IP, err)
	}
	_ = pc.SetMulticastLoopback(false)

	l := newLink(d.name, conn, d.norm)
	l.leave = func() { _ = pc.LeaveGroup(ifi, &net.UDPAddr{IP: group.IP}) }
	return l, nil
}

// readBufferSize leaves room past the largest valid packet so that a
// datagram filling the buffer is known to be truncated.
const readBufferSize = 2 * framing.DefaultMaxFrameLen

type link struct {
	name  string
	conn  net.PacketConn
	norm  *envelope.Normalizer
	buf   []byte
	leave func()

	closeOnce sync.Once
	received  atomic.Uint64
}

func newLink(name string, conn net.PacketConn, norm *envelope.Normalizer) *link {
	return &link{name: name, conn: conn, norm: norm, buf: make([]byte, readBufferSize)}
}

// Next implements session.Link. Datagrams that are not mesh packets are
// counted by the normalizer and skipped.
func (l *link) Next(ctx context.Context) (core.CanonicalFrame, error) {
	for {
		n, src, err := l.conn.ReadFrom(l.buf)
		if err != nil {
			if ctx.Err() != nil {
				return core.CanonicalFrame{}, ctx.Err()
			}
			return core.CanonicalFrame{}, fmt.Errorf("%w: %v", core.ErrLinkClosed, err)
		}
		l.received.Add(1)

		meta := core.FrameMeta{
			Transport:  core.TransportMulticast,
			Session:    l.name,
			ReceivedAt: time.Now(),
			RemoteAddr: src.String(),
		}
		if n == len(l.buf) {
			l.norm.Truncated(n, meta)
			continue
		}
		if frame, ok := l.norm.Datagram(l.buf[:n], meta); ok {
			return frame, nil
		}
	}
}

// Received implements session.TrafficCounter.
func (l *link) Received() uint64 { return l.received.Load() }

// Heartbeat implements session.Link. Multicast has no keepalive.
func (l *link) Heartbeat(context.Context) error { return nil }

// Close implements session.Link.
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.leave != nil {
			l.leave()
		}
		err = l.conn.Close()
	})
	return err
}
