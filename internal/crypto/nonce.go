// Package crypto implements the mesh payload ciphers: AES-CTR for channel
// traffic and X25519 + AES-CCM for direct (PKI) messages.
package crypto

import (
	"encoding/binary"

	"firestige.xyz/meshtap/internal/core"
)

// NonceSize is the size of a packet nonce.
const NonceSize = 16

// Nonce is the per-packet nonce. The packet id occupies bytes [0:4], an
// optional extra nonce [4:8] and the sender [8:12], all little-endian.
type Nonce [NonceSize]byte

// NewNonce builds the nonce for packet id sent by from.
func NewNonce(id uint32, from core.NodeID) Nonce {
	return NewNonceExtra(id, from, 0)
}

// NewNonceExtra builds a nonce carrying the 32-bit extra nonce that PKI
// payloads append to their ciphertext.
func NewNonceExtra(id uint32, from core.NodeID, extra uint32) Nonce {
	var n Nonce
	binary.LittleEndian.PutUint32(n[0:4], id)
	binary.LittleEndian.PutUint32(n[4:8], extra)
	binary.LittleEndian.PutUint32(n[8:12], uint32(from))
	return n
}
