package decoder

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/meshwire"
)

// ErrNoPortNum is returned by ValidateData for messages without a usable
// application port.
var ErrNoPortNum = errors.New("decoder: missing or invalid portnum")

var dataFieldTypes = map[protowire.Number]protowire.Type{
	meshwire.DataPortNum:      protowire.VarintType,
	meshwire.DataPayload:      protowire.BytesType,
	meshwire.DataWantResponse: protowire.VarintType,
	meshwire.DataDest:         protowire.Fixed32Type,
	meshwire.DataSource:       protowire.Fixed32Type,
	meshwire.DataRequestID:    protowire.Fixed32Type,
	meshwire.DataReplyID:      protowire.Fixed32Type,
	meshwire.DataEmoji:        protowire.Fixed32Type,
	meshwire.DataBitfield:     protowire.VarintType,
}

// ParseData parses an inner Data message. It checks structure only.
func ParseData(b []byte) (core.Data, error) {
	var d core.Data
	err := meshwire.Range(b, func(f meshwire.Field) error {
		typ, known := dataFieldTypes[f.Num]
		if !known {
			return nil
		}
		if err := meshwire.ExpectType(f, typ); err != nil {
			return err
		}
		switch f.Num {
		case meshwire.DataPortNum:
			if f.Uint > uint64(^uint32(0)) {
				return fmt.Errorf("portnum %d overflows", f.Uint)
			}
			d.PortNum = core.PortNum(f.Uint)
		case meshwire.DataPayload:
			d.Payload = f.Bytes
		case meshwire.DataWantResponse:
			d.WantResponse = f.Uint != 0
		case meshwire.DataDest:
			d.Dest = core.NodeID(f.Uint)
		case meshwire.DataSource:
			d.Source = core.NodeID(f.Uint)
		case meshwire.DataRequestID:
			d.RequestID = uint32(f.Uint)
		case meshwire.DataReplyID:
			d.ReplyID = uint32(f.Uint)
		case meshwire.DataEmoji:
			d.Emoji = uint32(f.Uint)
		case meshwire.DataBitfield:
			d.Bitfield = uint32(f.Uint)
		}
		return nil
	})
	if err != nil {
		return core.Data{}, err
	}
	return d, nil
}

// ValidateData parses b as a Data message and additionally requires a
// non-zero portnum no greater than core.PortMax. It is the acceptance
// check for decrypted payloads.
func ValidateData(b []byte) (core.Data, error) {
	d, err := ParseData(b)
	if err != nil {
		return core.Data{}, err
	}
	if d.PortNum == core.PortUnknown || d.PortNum > core.PortMax {
		return core.Data{}, fmt.Errorf("%w: %d", ErrNoPortNum, d.PortNum)
	}
	return d, nil
}
