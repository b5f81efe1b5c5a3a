package core

import (
	"fmt"
	"time"
)

// TransportKind names the transport a frame arrived on.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportSerial    TransportKind = "serial"
	TransportMQTT      TransportKind = "mqtt"
	TransportMulticast TransportKind = "multicast"
	TransportPcap      TransportKind = "pcap"
	TransportSniff     TransportKind = "sniff"
)

// FrameMeta is multiplexing metadata attached to a frame by its transport.
type FrameMeta struct {
	Transport  TransportKind
	Session    string
	ReceivedAt time.Time

	// MQTT only.
	Topic     string
	ChannelID string
	GatewayID string

	// Datagram transports only.
	RemoteAddr string
}

// CanonicalFrame is one MeshPacket in protobuf wire format together with
// the metadata of the delivery that carried it.
type CanonicalFrame struct {
	Data []byte
	Meta FrameMeta
}

// Data is the inner application message carried by a MeshPacket.
type Data struct {
	PortNum      PortNum
	Payload      []byte
	WantResponse bool
	Dest         NodeID
	Source       NodeID
	RequestID    uint32
	ReplyID      uint32
	Emoji        uint32
	Bitfield     uint32
}

// DecodedPacket holds the routing header of a MeshPacket and its payload,
// which is either the Encrypted blob or the plaintext Decoded message.
type DecodedPacket struct {
	From         NodeID
	To           NodeID
	ID           uint32
	Channel      uint32
	HopLimit     uint32
	HopStart     uint32
	WantAck      bool
	ViaMQTT      bool
	PKIEncrypted bool
	Priority     uint32
	RxTime       uint32
	RxSNR        float32
	RxRSSI       int32
	NextHop      uint32
	RelayNode    uint32
	PublicKey    []byte

	Encrypted []byte
	Decoded   *Data
}

// ChannelHash returns the one byte channel hash carried in the header.
func (p *DecodedPacket) ChannelHash() uint8 {
	return uint8(p.Channel)
}

// IsEncrypted reports whether the payload still needs decryption.
func (p *DecodedPacket) IsEncrypted() bool {
	return p.Decoded == nil
}

// DecodeStatus is the outcome of running a packet through decryption.
type DecodeStatus string

const (
	StatusPlaintext     DecodeStatus = "plaintext"
	StatusDecrypted     DecodeStatus = "decrypted"
	StatusUndecryptable DecodeStatus = "undecryptable"
)

// DecryptPath is the key family used (or attempted) for a packet.
type DecryptPath string

const (
	PathNone    DecryptPath = ""
	PathChannel DecryptPath = "channel"
	PathPeer    DecryptPath = "peer"
)

// KeySource records which key material produced a plaintext.
type KeySource struct {
	Path    DecryptPath
	Channel string
	Local   NodeID
	Remote  NodeID
}

func (k KeySource) String() string {
	switch k.Path {
	case PathChannel:
		return "channel:" + k.Channel
	case PathPeer:
		return fmt.Sprintf("peer:%s->%s", k.Remote, k.Local)
	default:
		return ""
	}
}

// DecodedMessage is the output of the pipeline for one packet.
type DecodedMessage struct {
	Packet DecodedPacket
	Meta   FrameMeta
	Status DecodeStatus
	Path   DecryptPath
	Key    KeySource
	Data   *Data

	// Highlight is set when either end of the packet is a peer configured
	// with highlight.
	Highlight bool

	// Reason is ErrNoMatchingKey or ErrValidationFailed (possibly wrapped)
	// when Status is StatusUndecryptable.
	Reason error
}

// DecodeFailure describes a frame that was dropped before decryption.
type DecodeFailure struct {
	Stage string
	Err   error
	Meta  FrameMeta
	Raw   []byte
}

// Event is one item of the output stream. Exactly one field is set.
type Event struct {
	Message *DecodedMessage
	Failure *DecodeFailure
}
