package meshwire

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/meshtap/internal/core"
)

// AppendData appends d as a Data message. Zero fields are omitted.
func AppendData(b []byte, d *core.Data) []byte {
	b = appendVarint(b, DataPortNum, uint64(d.PortNum))
	if len(d.Payload) > 0 {
		b = protowire.AppendTag(b, DataPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, d.Payload)
	}
	if d.WantResponse {
		b = appendVarint(b, DataWantResponse, 1)
	}
	b = appendFixed32(b, DataDest, uint32(d.Dest))
	b = appendFixed32(b, DataSource, uint32(d.Source))
	b = appendFixed32(b, DataRequestID, d.RequestID)
	b = appendFixed32(b, DataReplyID, d.ReplyID)
	b = appendFixed32(b, DataEmoji, d.Emoji)
	b = appendVarint(b, DataBitfield, uint64(d.Bitfield))
	return b
}

// AppendMeshPacket appends p as a MeshPacket. The payload is written as
// the decoded variant when p.Decoded is set and as the encrypted variant
// otherwise.
func AppendMeshPacket(b []byte, p *core.DecodedPacket) []byte {
	b = appendFixed32(b, PacketFrom, uint32(p.From))
	b = appendFixed32(b, PacketTo, uint32(p.To))
	b = appendVarint(b, PacketChannel, uint64(p.Channel))
	if p.Decoded != nil {
		b = protowire.AppendTag(b, PacketDecoded, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendData(nil, p.Decoded))
	} else {
		b = protowire.AppendTag(b, PacketEncrypted, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Encrypted)
	}
	b = appendFixed32(b, PacketID, p.ID)
	b = appendFixed32(b, PacketRxTime, p.RxTime)
	if p.RxSNR != 0 {
		b = appendFixed32(b, PacketRxSNR, math.Float32bits(p.RxSNR))
	}
	b = appendVarint(b, PacketHopLimit, uint64(p.HopLimit))
	b = appendBool(b, PacketWantAck, p.WantAck)
	b = appendVarint(b, PacketPriority, uint64(p.Priority))
	if p.RxRSSI != 0 {
		b = protowire.AppendTag(b, PacketRxRSSI, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(p.RxRSSI)))
	}
	b = appendBool(b, PacketViaMQTT, p.ViaMQTT)
	b = appendVarint(b, PacketHopStart, uint64(p.HopStart))
	if len(p.PublicKey) > 0 {
		b = protowire.AppendTag(b, PacketPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, p.PublicKey)
	}
	b = appendBool(b, PacketPKIEncrypted, p.PKIEncrypted)
	b = appendVarint(b, PacketNextHop, uint64(p.NextHop))
	b = appendVarint(b, PacketRelayNode, uint64(p.RelayNode))
	return b
}

// FromRadio wraps an encoded MeshPacket in a FromRadio message.
func FromRadio(id uint32, packet []byte) []byte {
	var b []byte
	b = appendVarint(b, FromRadioID, uint64(id))
	b = protowire.AppendTag(b, FromRadioPacket, protowire.BytesType)
	return protowire.AppendBytes(b, packet)
}

// ServiceEnvelope wraps an encoded MeshPacket for MQTT publication.
func ServiceEnvelope(packet []byte, channelID, gatewayID string) []byte {
	var b []byte
	b = protowire.AppendTag(b, EnvelopePacket, protowire.BytesType)
	b = protowire.AppendBytes(b, packet)
	if channelID != "" {
		b = protowire.AppendTag(b, EnvelopeChannelID, protowire.BytesType)
		b = protowire.AppendString(b, channelID)
	}
	if gatewayID != "" {
		b = protowire.AppendTag(b, EnvelopeGatewayID, protowire.BytesType)
		b = protowire.AppendString(b, gatewayID)
	}
	return b
}

// WantConfig asks an attached radio to start streaming its state and
// received packets.
func WantConfig(nonce uint32) []byte {
	b := protowire.AppendTag(nil, ToRadioWantConfigID, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(nonce))
}

// Heartbeat is an empty ToRadio heartbeat message.
func Heartbeat() []byte {
	b := protowire.AppendTag(nil, ToRadioHeartbeat, protowire.BytesType)
	return protowire.AppendBytes(b, nil)
}

// Disconnect tells an attached radio the client is going away.
func Disconnect() []byte {
	b := protowire.AppendTag(nil, ToRadioDisconnect, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}
