package core

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is the 32-bit address of a mesh node.
type NodeID uint32

// BroadcastNodeID is the destination of packets addressed to every node.
const BroadcastNodeID NodeID = 0xffffffff

// ParseNodeID accepts "!aabbccdd" or "aabbccdd".
func ParseNodeID(s string) (NodeID, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "!")
	if hex == "" || len(hex) > 8 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	return NodeID(v), nil
}

// String renders the node id in the "!%08x" form used by mesh tooling.
func (n NodeID) String() string {
	return fmt.Sprintf("!%08x", uint32(n))
}

// IsBroadcast reports whether n is the broadcast address.
func (n NodeID) IsBroadcast() bool {
	return n == BroadcastNodeID
}

// MarshalText implements encoding.TextMarshaler.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeID) UnmarshalText(b []byte) error {
	id, err := ParseNodeID(string(b))
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// NodePair is an unordered pair of node ids. Lo is always <= Hi.
type NodePair struct {
	Lo NodeID
	Hi NodeID
}

// PairOf returns the canonical unordered pair for a and b.
func PairOf(a, b NodeID) NodePair {
	if a > b {
		a, b = b, a
	}
	return NodePair{Lo: a, Hi: b}
}

func (p NodePair) String() string {
	return p.Lo.String() + "<->" + p.Hi.String()
}
