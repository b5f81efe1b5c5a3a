package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/core/framing"
	"firestige.xyz/meshtap/internal/meshwire"
	"firestige.xyz/meshtap/internal/metrics"
)

// StreamLink speaks the framed radio API over a byte stream (TCP or a
// serial port). It owns the connection's synchronizer.
type StreamLink struct {
	conn io.ReadWriteCloser
	sync *framing.Synchronizer
	norm *envelope.Normalizer
	meta core.FrameMeta

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	received  atomic.Uint64

	reported struct {
		discarded, oversized, truncated uint64
	}
}

// NewStreamLink wraps an open connection and performs the session
// handshake: a wakeup sequence followed by a want_config request.
func NewStreamLink(conn io.ReadWriteCloser, meta core.FrameMeta, norm *envelope.Normalizer, maxFrameLen int) (*StreamLink, error) {
	l := &StreamLink{conn: conn, norm: norm, meta: meta}

	opts := []framing.Option{framing.WithDiscardFunc(l.console)}
	if maxFrameLen > 0 {
		opts = append(opts, framing.WithMaxFrameLen(maxFrameLen))
	}
	l.sync = framing.NewSynchronizer(conn, opts...)

	hello := append([]byte{}, framing.WakeupSequence...)
	hello, err := framing.AppendFrame(hello, meshwire.WantConfig(rand.Uint32()))
	if err != nil {
		return nil, err
	}
	if err := l.write(hello); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return l, nil
}

// Next implements Link.
func (l *StreamLink) Next(ctx context.Context) (core.CanonicalFrame, error) {
	for {
		payload, err := l.sync.Next()
		l.reportFaults()
		if err != nil {
			if ctx.Err() != nil {
				return core.CanonicalFrame{}, ctx.Err()
			}
			return core.CanonicalFrame{}, fmt.Errorf("%w: %v", core.ErrLinkClosed, err)
		}
		l.received.Add(1)

		meta := l.meta
		meta.ReceivedAt = time.Now()
		if frame, ok := l.norm.FromRadio(payload, meta); ok {
			return frame, nil
		}
	}
}

// Heartbeat implements Link.
func (l *StreamLink) Heartbeat(context.Context) error {
	frame, err := framing.AppendFrame(nil, meshwire.Heartbeat())
	if err != nil {
		return err
	}
	return l.write(frame)
}

// Received implements TrafficCounter. Every radio message counts,
// including those that carry no mesh packet.
func (l *StreamLink) Received() uint64 {
	return l.received.Load()
}

// Close tells the radio the client is leaving and closes the connection.
func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if frame, ferr := framing.AppendFrame(nil, meshwire.Disconnect()); ferr == nil {
			_ = l.write(frame)
		}
		l.closed.Store(true)
		err = l.conn.Close()
	})
	return err
}

func (l *StreamLink) write(b []byte) error {
	if l.closed.Load() {
		return core.ErrLinkClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.conn.Write(b)
	return err
}

// console logs bytes outside frames; radios print their debug log there.
func (l *StreamLink) console(b []byte) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	text := strings.TrimSpace(strings.ToValidUTF8(string(b), ""))
	if text == "" {
		return
	}
	slog.Debug("radio console", "session", l.meta.Session, "text", text)
}

func (l *StreamLink) reportFaults() {
	st := l.sync.Stats()
	report := func(kind string, now uint64, prev *uint64) {
		if now > *prev {
			metrics.FramingFaultsTotal.WithLabelValues(l.meta.Session, kind).Add(float64(now - *prev))
			*prev = now
		}
	}
	report("discarded_bytes", st.DiscardedBytes.Load(), &l.reported.discarded)
	report("oversized", st.Oversized.Load(), &l.reported.oversized)
	report("truncated", st.Truncated.Load(), &l.reported.truncated)
}
