// Package envelope unwraps transport envelopes into canonical frames.
package envelope

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/meshwire"
	"firestige.xyz/meshtap/internal/metrics"
)

// Stats counts normalizer outcomes across all calls.
type Stats struct {
	Frames   atomic.Uint64
	Ignored  atomic.Uint64
	Failures atomic.Uint64
}

// Normalizer turns one transport delivery into zero or one
// CanonicalFrame. Every call is independent; the only shared state is the
// counters, so one Normalizer may serve all sessions.
type Normalizer struct {
	stats Stats
}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Stats returns the normalizer counters.
func (n *Normalizer) Stats() *Stats {
	return &n.stats
}

// FromRadio extracts the packet from a FromRadio frame read off a stream
// transport. Frames carrying radio state instead of a packet yield nothing
// and are not failures.
func (n *Normalizer) FromRadio(payload []byte, meta core.FrameMeta) (core.CanonicalFrame, bool) {
	packet, ok, err := meshwire.Lookup(payload, meshwire.FromRadioPacket)
	if err != nil {
		n.fail(meta, "from_radio", err)
		return core.CanonicalFrame{}, false
	}
	if !ok {
		n.stats.Ignored.Add(1)
		return core.CanonicalFrame{}, false
	}
	return n.emit(packet, meta), true
}

// ServiceEnvelope extracts the packet from an MQTT publication. Channel
// and gateway identity come from the envelope and fall back to the topic.
// Topics carrying JSON or map reports are ignored.
func (n *Normalizer) ServiceEnvelope(topic string, payload []byte, meta core.FrameMeta) (core.CanonicalFrame, bool) {
	info, ok := ParseTopic(topic)
	if !ok || !info.Protobuf() {
		n.stats.Ignored.Add(1)
		return core.CanonicalFrame{}, false
	}

	var packet []byte
	var found bool
	err := meshwire.Range(payload, func(f meshwire.Field) error {
		switch f.Num {
		case meshwire.EnvelopePacket, meshwire.EnvelopeChannelID, meshwire.EnvelopeGatewayID:
			if err := meshwire.ExpectType(f, protowire.BytesType); err != nil {
				return err
			}
		default:
			return nil
		}
		switch f.Num {
		case meshwire.EnvelopePacket:
			packet, found = f.Bytes, true
		case meshwire.EnvelopeChannelID:
			meta.ChannelID = string(f.Bytes)
		case meshwire.EnvelopeGatewayID:
			meta.GatewayID = string(f.Bytes)
		}
		return nil
	})
	if err != nil {
		n.fail(meta, "service_envelope", err)
		return core.CanonicalFrame{}, false
	}
	if !found {
		n.fail(meta, "service_envelope", core.ErrMalformedEnvelope)
		return core.CanonicalFrame{}, false
	}

	meta.Topic = topic
	if meta.ChannelID == "" {
		meta.ChannelID = info.Channel
	}
	if meta.GatewayID == "" {
		meta.GatewayID = info.Gateway
	}
	return n.emit(packet, meta), true
}

// Datagram accepts a multicast datagram, which is the packet itself.
func (n *Normalizer) Datagram(payload []byte, meta core.FrameMeta) (core.CanonicalFrame, bool) {
	if len(payload) == 0 {
		n.fail(meta, "datagram", core.ErrMalformedEnvelope)
		return core.CanonicalFrame{}, false
	}
	if err := meshwire.Range(payload, func(meshwire.Field) error { return nil }); err != nil {
		n.fail(meta, "datagram", err)
		return core.CanonicalFrame{}, false
	}
	return n.emit(payload, meta), true
}

// Truncated records a datagram that filled the whole read buffer and was
// therefore cut short by the transport.
func (n *Normalizer) Truncated(size int, meta core.FrameMeta) {
	n.fail(meta, "datagram", fmt.Errorf("%w: datagram of %d bytes or more", core.ErrMalformedEnvelope, size))
}

func (n *Normalizer) emit(packet []byte, meta core.FrameMeta) core.CanonicalFrame {
	n.stats.Frames.Add(1)
	data := make([]byte, len(packet))
	copy(data, packet)
	return core.CanonicalFrame{Data: data, Meta: meta}
}

func (n *Normalizer) fail(meta core.FrameMeta, kind string, err error) {
	n.stats.Failures.Add(1)
	metrics.EnvelopeFailuresTotal.WithLabelValues(string(meta.Transport), kind).Inc()
	slog.Debug("dropping malformed envelope",
		"session", meta.Session,
		"kind", kind,
		"error", err,
	)
}

// Topic is the parsed form of an MQTT topic of the shape
// <root...>/2/<format>/<channel>/<gateway>.
type Topic struct {
	Root    string
	Format  string
	Channel string
	Gateway string
}

// Protobuf reports whether publications on the topic carry a
// ServiceEnvelope.
func (t Topic) Protobuf() bool {
	return t.Format == "e" || t.Format == "c"
}

var topicFormats = map[string]bool{"e": true, "c": true, "json": true, "map": true, "stat": true}

// ParseTopic splits an MQTT topic at its protocol version segment.
func ParseTopic(topic string) (Topic, bool) {
	parts := strings.Split(topic, "/")
	for i := 1; i < len(parts)-1; i++ {
		if parts[i] != "2" || !topicFormats[parts[i+1]] {
			continue
		}
		t := Topic{
			Root:   strings.Join(parts[:i], "/"),
			Format: parts[i+1],
		}
		if i+2 < len(parts) {
			t.Channel = parts[i+2]
		}
		if i+3 < len(parts) {
			t.Gateway = parts[i+3]
		}
		return t, true
	}
	return Topic{}, false
}
