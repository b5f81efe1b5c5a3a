// Package framing splits the byte stream of a directly attached radio into
// length-prefixed frames.
//
// A frame on the wire is the two byte marker 0x94 0xC3, a big-endian uint16
// payload length and the payload itself. Anything between frames (boot
// messages, debug console output, line noise) is discarded.
package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"firestige.xyz/meshtap/internal/core"
)

const (
	Start1 byte = 0x94
	Start2 byte = 0xc3

	// HeaderLen is the marker plus the length field.
	HeaderLen = 4

	// DefaultMaxFrameLen bounds the length field. Frames announcing this
	// many bytes or more are rejected.
	DefaultMaxFrameLen = 512

	readChunk = 1024
)

var marker = []byte{Start1, Start2}

// WakeupSequence is written before the first frame to bring a sleeping
// radio's serial console into framed mode.
var WakeupSequence = []byte{Start1, Start1, Start1, Start1}

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) >= DefaultMaxFrameLen {
		return dst, fmt.Errorf("%w: %d bytes", core.ErrFrameTooLarge, len(payload))
	}
	dst = append(dst, Start1, Start2)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// DiscardFunc receives bytes dropped while searching for a marker. The
// slice is only valid for the duration of the call.
type DiscardFunc func(b []byte)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMaxFrameLen overrides DefaultMaxFrameLen.
func WithMaxFrameLen(n int) Option {
	return func(s *Synchronizer) {
		if n > 0 {
			s.maxLen = n
		}
	}
}

// WithDiscardFunc installs a hook for bytes that are not part of a frame.
func WithDiscardFunc(fn DiscardFunc) Option {
	return func(s *Synchronizer) {
		s.onDiscard = fn
	}
}

// Synchronizer yields complete frame payloads from an arbitrarily chunked
// reader. It owns its scan state and must not be shared between
// connections.
type Synchronizer struct {
	r         io.Reader
	buf       []byte
	chunk     []byte
	maxLen    int
	onDiscard DiscardFunc
	err       error
	stats     Stats
}

// Stats counts synchronizer activity. Fields are safe to read while Next
// runs on another goroutine.
type Stats struct {
	Frames         atomic.Uint64
	DiscardedBytes atomic.Uint64
	Oversized      atomic.Uint64
	Truncated      atomic.Uint64
}

// NewSynchronizer creates a Synchronizer reading from r.
func NewSynchronizer(r io.Reader, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		r:      r,
		chunk:  make([]byte, readChunk),
		maxLen: DefaultMaxFrameLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the synchronizer counters.
func (s *Synchronizer) Stats() *Stats {
	return &s.stats
}

// Next blocks until a complete frame is available and returns its payload.
// When the reader is exhausted any partial frame is dropped and the
// reader's error (io.EOF on a clean close) is returned.
func (s *Synchronizer) Next() ([]byte, error) {
	for {
		if frame, ok := s.scan(); ok {
			s.stats.Frames.Add(1)
			return frame, nil
		}
		if s.err != nil {
			if len(s.buf) > 0 {
				s.stats.Truncated.Add(1)
				s.buf = s.buf[:0]
			}
			return nil, s.err
		}

		n, err := s.r.Read(s.chunk)
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
		}
		if err != nil {
			s.err = err
		} else if n == 0 {
			// Misbehaving readers may return 0, nil forever.
			s.err = io.ErrNoProgress
		}
	}
}

// scan extracts one frame from the buffer if a complete one is present.
func (s *Synchronizer) scan() ([]byte, bool) {
	for {
		i := bytes.Index(s.buf, marker)
		if i < 0 {
			keep := 0
			if n := len(s.buf); n > 0 && s.buf[n-1] == Start1 {
				keep = 1
			}
			s.drop(len(s.buf) - keep)
			return nil, false
		}
		s.drop(i)

		if len(s.buf) < HeaderLen {
			return nil, false
		}
		n := int(binary.BigEndian.Uint16(s.buf[2:HeaderLen]))
		if n >= s.maxLen {
			s.stats.Oversized.Add(1)
			s.drop(1)
			continue
		}
		if len(s.buf) < HeaderLen+n {
			return nil, false
		}

		frame := make([]byte, n)
		copy(frame, s.buf[HeaderLen:HeaderLen+n])
		s.buf = s.consume(HeaderLen + n)
		return frame, true
	}
}

func (s *Synchronizer) drop(n int) {
	if n <= 0 {
		return
	}
	s.stats.DiscardedBytes.Add(uint64(n))
	if s.onDiscard != nil {
		s.onDiscard(s.buf[:n])
	}
	s.buf = s.consume(n)
}

// consume removes the first n bytes, reusing the backing array.
func (s *Synchronizer) consume(n int) []byte {
	rest := copy(s.buf, s.buf[n:])
	return s.buf[:rest]
}

// IsClosed reports whether err marks the normal end of a stream.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
