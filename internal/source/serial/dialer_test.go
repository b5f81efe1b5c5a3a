package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/core/framing"
	"firestige.xyz/meshtap/internal/meshwire"
)

// fakePort embeds serial.Port so only the methods the dialer uses need an
// implementation.
type fakePort struct {
	serial.Port

	mu       sync.Mutex
	in       io.Reader
	out      bytes.Buffer
	rts, dtr bool
	closed   bool
}

func (p *fakePort) Read(b []byte) (int, error) { return p.in.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(b)
}

func (p *fakePort) SetRTS(v bool) error { p.rts = v; return nil }
func (p *fakePort) SetDTR(v bool) error { p.dtr = v; return nil }

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestDialConfiguresPort(t *testing.T) {
	packet := meshwire.AppendMeshPacket(nil, &core.DecodedPacket{
		From: 2, To: core.BroadcastNodeID, ID: 3, Channel: 8, Encrypted: []byte{1},
	})
	frame, err := framing.AppendFrame(nil, meshwire.FromRadio(1, packet))
	require.NoError(t, err)

	port := &fakePort{in: bytes.NewReader(frame)}
	var gotTTY string
	var gotMode *serial.Mode

	d := New("usb", config.SerialConfig{TTY: "/dev/ttyUSB0", Baudrate: 115200}, envelope.NewNormalizer(), 0)
	d.open = func(tty string, mode *serial.Mode) (serial.Port, error) {
		gotTTY, gotMode = tty, mode
		return port, nil
	}

	link, err := d.Dial(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", gotTTY)
	assert.Equal(t, 115200, gotMode.BaudRate)
	assert.Equal(t, 8, gotMode.DataBits)
	assert.Equal(t, serial.NoParity, gotMode.Parity)
	assert.Equal(t, serial.OneStopBit, gotMode.StopBits)
	assert.True(t, port.rts)
	assert.True(t, port.dtr)
	assert.True(t, bytes.HasPrefix(port.out.Bytes(), framing.WakeupSequence))

	got, err := link.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, packet, got.Data)
	assert.Equal(t, core.TransportSerial, got.Meta.Transport)

	require.NoError(t, link.Close())
	assert.True(t, port.closed)
}

func TestDialOpenError(t *testing.T) {
	d := New("usb", config.SerialConfig{TTY: "/dev/null0"}, envelope.NewNormalizer(), 0)
	d.open = func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	_, err := d.Dial(context.Background())
	assert.ErrorContains(t, err, "/dev/null0")
}
