// Package decoder parses canonical frames into mesh packets.
package decoder

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/meshwire"
)

// MaxHops is the largest hop count a packet header can express.
const MaxHops = 7

// Decoder decodes canonical frames into structured packets.
type Decoder interface {
	Decode(frame core.CanonicalFrame) (core.DecodedPacket, error)
}

// MeshDecoder decodes MeshPacket frames. It is stateless and safe for
// concurrent use.
type MeshDecoder struct{}

// NewMeshDecoder creates a MeshDecoder.
func NewMeshDecoder() *MeshDecoder {
	return &MeshDecoder{}
}

// Decode implements Decoder.
func (d *MeshDecoder) Decode(frame core.CanonicalFrame) (core.DecodedPacket, error) {
	return ParsePacket(frame.Data)
}

// ParsePacket parses one MeshPacket. Errors wrap core.ErrMalformedFrame.
func ParsePacket(b []byte) (core.DecodedPacket, error) {
	var (
		pkt        core.DecodedPacket
		decoded    []byte
		hasDecoded bool
		hasCipher  bool
	)

	err := meshwire.Range(b, func(f meshwire.Field) error {
		typ, known := packetFieldTypes[f.Num]
		if !known {
			return nil
		}
		if err := meshwire.ExpectType(f, typ); err != nil {
			return err
		}

		switch f.Num {
		case meshwire.PacketFrom:
			pkt.From = core.NodeID(f.Uint)
		case meshwire.PacketTo:
			pkt.To = core.NodeID(f.Uint)
		case meshwire.PacketChannel:
			pkt.Channel = uint32(f.Uint)
		case meshwire.PacketDecoded:
			decoded, hasDecoded = f.Bytes, true
		case meshwire.PacketEncrypted:
			pkt.Encrypted, hasCipher = f.Bytes, true
		case meshwire.PacketID:
			pkt.ID = uint32(f.Uint)
		case meshwire.PacketRxTime:
			pkt.RxTime = uint32(f.Uint)
		case meshwire.PacketRxSNR:
			pkt.RxSNR = math.Float32frombits(uint32(f.Uint))
		case meshwire.PacketHopLimit:
			pkt.HopLimit = uint32(f.Uint)
		case meshwire.PacketWantAck:
			pkt.WantAck = f.Uint != 0
		case meshwire.PacketPriority:
			pkt.Priority = uint32(f.Uint)
		case meshwire.PacketRxRSSI:
			pkt.RxRSSI = int32(f.Uint)
		case meshwire.PacketViaMQTT:
			pkt.ViaMQTT = f.Uint != 0
		case meshwire.PacketHopStart:
			pkt.HopStart = uint32(f.Uint)
		case meshwire.PacketPublicKey:
			pkt.PublicKey = f.Bytes
		case meshwire.PacketPKIEncrypted:
			pkt.PKIEncrypted = f.Uint != 0
		case meshwire.PacketNextHop:
			pkt.NextHop = uint32(f.Uint)
		case meshwire.PacketRelayNode:
			pkt.RelayNode = uint32(f.Uint)
		}
		return nil
	})
	if err != nil {
		return core.DecodedPacket{}, fmt.Errorf("%w: %v", core.ErrMalformedFrame, err)
	}

	switch {
	case hasDecoded && hasCipher:
		return core.DecodedPacket{}, fmt.Errorf("%w: both decoded and encrypted payloads present", core.ErrMalformedFrame)
	case !hasDecoded && !hasCipher:
		return core.DecodedPacket{}, fmt.Errorf("%w: no payload", core.ErrMalformedFrame)
	}
	if pkt.HopLimit > MaxHops || pkt.HopStart > MaxHops {
		return core.DecodedPacket{}, fmt.Errorf("%w: hop_limit %d hop_start %d out of range",
			core.ErrMalformedFrame, pkt.HopLimit, pkt.HopStart)
	}

	if hasDecoded {
		data, err := ParseData(decoded)
		if err != nil {
			return core.DecodedPacket{}, fmt.Errorf("%w: decoded payload: %v", core.ErrMalformedFrame, err)
		}
		pkt.Decoded = &data
	}
	return pkt, nil
}

var packetFieldTypes = map[protowire.Number]protowire.Type{
	meshwire.PacketFrom:         protowire.Fixed32Type,
	meshwire.PacketTo:           protowire.Fixed32Type,
	meshwire.PacketChannel:      protowire.VarintType,
	meshwire.PacketDecoded:      protowire.BytesType,
	meshwire.PacketEncrypted:    protowire.BytesType,
	meshwire.PacketID:           protowire.Fixed32Type,
	meshwire.PacketRxTime:       protowire.Fixed32Type,
	meshwire.PacketRxSNR:        protowire.Fixed32Type,
	meshwire.PacketHopLimit:     protowire.VarintType,
	meshwire.PacketWantAck:      protowire.VarintType,
	meshwire.PacketPriority:     protowire.VarintType,
	meshwire.PacketRxRSSI:       protowire.VarintType,
	meshwire.PacketDelayed:      protowire.VarintType,
	meshwire.PacketViaMQTT:      protowire.VarintType,
	meshwire.PacketHopStart:     protowire.VarintType,
	meshwire.PacketPublicKey:    protowire.BytesType,
	meshwire.PacketPKIEncrypted: protowire.VarintType,
	meshwire.PacketNextHop:      protowire.VarintType,
	meshwire.PacketRelayNode:    protowire.VarintType,
}
