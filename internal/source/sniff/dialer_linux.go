//go:build linux

package sniff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"

	"firestige.xyz/meshtap/internal/session"
)

const pollTimeout = 100 * time.Millisecond

// Dial implements session.Dialer. It opens a TPACKET_V3 ring filtered to
// the mesh port in the kernel.
func (d *Dialer) Dial(context.Context) (session.Link, error) {
	filter, err := udpDstPortFilter(uint16(d.cfg.Port), uint32(d.cfg.SnapLen))
	if err != nil {
		return nil, fmt.Errorf("assemble filter: %w", err)
	}

	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(d.cfg.Interface),
		afpacket.OptFrameSize(d.cfg.SnapLen),
		afpacket.OptBlockSize(d.cfg.BlockSizeKB*1024),
		afpacket.OptNumBlocks(d.cfg.NumBlocks),
		afpacket.OptPollTimeout(pollTimeout),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.cfg.Interface, err)
	}
	if err := handle.SetBPF(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set filter on %s: %w", d.cfg.Interface, err)
	}
	if err := handle.InitSocketStats(); err != nil {
		handle.Close()
		return nil, fmt.Errorf("socket stats on %s: %w", d.cfg.Interface, err)
	}

	return newLink(d.name, d.cfg.Interface, d.cfg.Port, &ring{handle: handle}, d.norm), nil
}

type ring struct {
	handle *afpacket.TPacket
}

// ReadPacketData copies each frame out of the ring so that it outlives
// the next read.
func (r *ring) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := r.handle.ReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) || errors.Is(err, afpacket.ErrPoll) {
		return nil, ci, errNoPacket
	}
	return data, ci, err
}

func (r *ring) Drops() uint64 {
	_, v3, err := r.handle.SocketStats()
	if err != nil {
		return 0
	}
	return uint64(v3.Drops())
}

func (r *ring) Close() { r.handle.Close() }
