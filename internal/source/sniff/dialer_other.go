//go:build !linux

package sniff

import (
	"context"
	"errors"

	"firestige.xyz/meshtap/internal/session"
)

// Dial implements session.Dialer. AF_PACKET is only available on Linux.
func (d *Dialer) Dial(context.Context) (session.Link, error) {
	return nil, errors.New("sniff: live capture is only supported on linux")
}
