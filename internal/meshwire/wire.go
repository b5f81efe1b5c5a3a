// Package meshwire reads and writes the mesh protobuf messages directly in
// wire format. Only the fields the pipeline needs are named here; unknown
// fields are skipped when reading.
package meshwire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MeshPacket field numbers.
const (
	PacketFrom         protowire.Number = 1
	PacketTo           protowire.Number = 2
	PacketChannel      protowire.Number = 3
	PacketDecoded      protowire.Number = 4
	PacketEncrypted    protowire.Number = 5
	PacketID           protowire.Number = 6
	PacketRxTime       protowire.Number = 7
	PacketRxSNR        protowire.Number = 8
	PacketHopLimit     protowire.Number = 9
	PacketWantAck      protowire.Number = 10
	PacketPriority     protowire.Number = 11
	PacketRxRSSI       protowire.Number = 12
	PacketDelayed      protowire.Number = 13
	PacketViaMQTT      protowire.Number = 14
	PacketHopStart     protowire.Number = 15
	PacketPublicKey    protowire.Number = 16
	PacketPKIEncrypted protowire.Number = 17
	PacketNextHop      protowire.Number = 18
	PacketRelayNode    protowire.Number = 19
)

// Data field numbers.
const (
	DataPortNum      protowire.Number = 1
	DataPayload      protowire.Number = 2
	DataWantResponse protowire.Number = 3
	DataDest         protowire.Number = 4
	DataSource       protowire.Number = 5
	DataRequestID    protowire.Number = 6
	DataReplyID      protowire.Number = 7
	DataEmoji        protowire.Number = 8
	DataBitfield     protowire.Number = 9
)

// FromRadio, ToRadio and ServiceEnvelope field numbers.
const (
	FromRadioID     protowire.Number = 1
	FromRadioPacket protowire.Number = 2

	ToRadioPacket       protowire.Number = 1
	ToRadioWantConfigID protowire.Number = 3
	ToRadioDisconnect   protowire.Number = 4
	ToRadioHeartbeat    protowire.Number = 7

	EnvelopePacket    protowire.Number = 1
	EnvelopeChannelID protowire.Number = 2
	EnvelopeGatewayID protowire.Number = 3
)

// ErrWire is returned for bytes that are not a well formed protobuf message.
var ErrWire = errors.New("meshwire: invalid wire format")

// Field is one field read from a message. Scalar values (varint, fixed32,
// fixed64) are in Uint; length-delimited values are in Bytes and alias
// the input buffer.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Uint  uint64
	Bytes []byte
}

// Range calls fn for each field of the message in b, in wire order. It
// stops at the first malformed field or the first error returned by fn.
func Range(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrWire, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Uint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.Uint = uint64(v)
		case protowire.Fixed64Type:
			f.Uint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			// Groups are not used by any mesh message.
			return fmt.Errorf("%w: field %d has unsupported wire type %d", ErrWire, num, typ)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrWire, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the last length-delimited value of field num in b.
func Lookup(b []byte, num protowire.Number) ([]byte, bool, error) {
	var (
		val   []byte
		found bool
	)
	err := Range(b, func(f Field) error {
		if f.Num != num {
			return nil
		}
		if f.Type != protowire.BytesType {
			return fmt.Errorf("%w: field %d has wire type %d", ErrWire, num, f.Type)
		}
		val, found = f.Bytes, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// ExpectType returns an error when f does not have wire type typ.
func ExpectType(f Field, typ protowire.Type) error {
	if f.Type != typ {
		return fmt.Errorf("%w: field %d has wire type %d, expected %d", ErrWire, f.Num, f.Type, typ)
	}
	return nil
}
