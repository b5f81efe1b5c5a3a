package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"firestige.xyz/meshtap/internal/core"
)

// XORChannel applies the channel cipher to src. An empty key is the
// identity; 16 and 32 byte keys select AES-128 and AES-256 in counter
// mode. Encryption and decryption are the same operation.
func XORChannel(key []byte, n Nonce, src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	if len(key) == 0 {
		copy(out, src)
		return out, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedKeyMaterial, err)
	}
	cipher.NewCTR(block, n[:]).XORKeyStream(out, src)
	return out, nil
}

// DecryptChannel decrypts a channel payload of packet id sent by from.
func DecryptChannel(key []byte, id uint32, from core.NodeID, ciphertext []byte) ([]byte, error) {
	return XORChannel(key, NewNonce(id, from), ciphertext)
}

// EncryptChannel is the inverse of DecryptChannel. It is used to build
// test vectors and offline fixtures.
func EncryptChannel(key []byte, id uint32, from core.NodeID, plaintext []byte) ([]byte, error) {
	return XORChannel(key, NewNonce(id, from), plaintext)
}
