// Package serial connects to a radio attached to a serial port.
package serial

import (
	"context"
	"fmt"

	"go.bug.st/serial"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/session"
)

// OpenFunc opens a serial port. It is replaceable for tests.
type OpenFunc func(tty string, mode *serial.Mode) (serial.Port, error)

// Dialer opens stream links over a serial port.
type Dialer struct {
	name        string
	cfg         config.SerialConfig
	norm        *envelope.Normalizer
	maxFrameLen int
	open        OpenFunc
}

// New creates a dialer for cfg.
func New(name string, cfg config.SerialConfig, norm *envelope.Normalizer, maxFrameLen int) *Dialer {
	return &Dialer{name: name, cfg: cfg, norm: norm, maxFrameLen: maxFrameLen, open: serial.Open}
}

// Kind implements session.Dialer.
func (d *Dialer) Kind() core.TransportKind { return core.TransportSerial }

// Mode returns the line settings: 8N1 at the configured baud rate.
func (d *Dialer) Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: d.cfg.Baudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Dial implements session.Dialer. RTS and DTR are raised because radios
// stay silent until the host signals it is present.
func (d *Dialer) Dial(context.Context) (session.Link, error) {
	port, err := d.open(d.cfg.TTY, d.Mode())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.cfg.TTY, err)
	}
	if err := port.SetRTS(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("set rts on %s: %w", d.cfg.TTY, err)
	}
	if err := port.SetDTR(true); err != nil {
		port.Close()
		return nil, fmt.Errorf("set dtr on %s: %w", d.cfg.TTY, err)
	}

	meta := core.FrameMeta{Transport: core.TransportSerial, Session: d.name, RemoteAddr: d.cfg.TTY}
	link, err := session.NewStreamLink(port, meta, d.norm, d.maxFrameLen)
	if err != nil {
		port.Close()
		return nil, err
	}
	return link, nil
}
