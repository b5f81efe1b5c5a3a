// Package tcp connects to a radio's stream API over TCP.
package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/session"
)

// DefaultPort is the radio stream API port.
const DefaultPort = 4403

const dialTimeout = 10 * time.Second

// Dialer opens stream links to one radio.
type Dialer struct {
	name        string
	addr        string
	norm        *envelope.Normalizer
	maxFrameLen int
	dialer      net.Dialer
}

// New creates a dialer for cfg. A connect_to without a port uses
// DefaultPort.
func New(name string, cfg config.TCPConfig, norm *envelope.Normalizer, maxFrameLen int) *Dialer {
	return &Dialer{
		name:        name,
		addr:        withDefaultPort(cfg.ConnectTo),
		norm:        norm,
		maxFrameLen: maxFrameLen,
		dialer:      net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second},
	}
}

// Kind implements session.Dialer.
func (d *Dialer) Kind() core.TransportKind { return core.TransportTCP }

// Addr returns the resolved connect address.
func (d *Dialer) Addr() string { return d.addr }

// Dial implements session.Dialer.
func (d *Dialer) Dial(ctx context.Context) (session.Link, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}
	meta := core.FrameMeta{
		Transport:  core.TransportTCP,
		Session:    d.name,
		RemoteAddr: conn.RemoteAddr().String(),
	}
	link, err := session.NewStreamLink(conn, meta, d.norm, d.maxFrameLen)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return link, nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}
