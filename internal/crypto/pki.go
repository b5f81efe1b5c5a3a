package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd"
	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"golang.org/x/crypto/curve25519"

	"firestige.xyz/meshtap/internal/core"
)

const (
	// KeySize is the size of X25519 keys and of the derived shared key.
	KeySize = 32
	// TagSize is the CCM authentication tag length of PKI payloads.
	TagSize = 8
	// ExtraNonceSize is the trailing per-message nonce of PKI payloads.
	ExtraNonceSize = 4
	// PKIOverhead is the number of bytes a PKI payload adds to the
	// plaintext.
	PKIOverhead = TagSize + ExtraNonceSize

	ccmNonceSize = 13
)

// ErrShortCiphertext is returned for PKI payloads too short to hold a tag
// and extra nonce.
var ErrShortCiphertext = errors.New("crypto: pki payload too short")

// Key is an X25519 private key, public key or derived shared key.
type Key [KeySize]byte

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: want %d byte key, got %d", core.ErrMalformedKeyMaterial, KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// GeneratePrivateKey returns a random X25519 private key.
func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// PublicKey derives the X25519 public key of priv.
func PublicKey(priv Key) (Key, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", core.ErrMalformedKeyMaterial, err)
	}
	return KeyFromBytes(pub)
}

// SharedKey derives the symmetric key of a node pair: SHA-256 over the
// X25519 shared secret. Both ends derive the same key.
func SharedKey(priv, pub Key) (Key, error) {
	secret, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", core.ErrMalformedKeyMaterial, err)
	}
	return sha256.Sum256(secret), nil
}

func newCCM(key Key) (ccm.CCM, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return ccm.NewCCM(block, TagSize, ccmNonceSize)
}

// DecryptPKI opens a direct message payload laid out as
// ciphertext || tag || extra nonce.
func DecryptPKI(shared Key, id uint32, from core.NodeID, payload []byte) ([]byte, error) {
	if len(payload) < PKIOverhead {
		return nil, ErrShortCiphertext
	}
	split := len(payload) - ExtraNonceSize
	extra := binary.LittleEndian.Uint32(payload[split:])
	n := NewNonceExtra(id, from, extra)

	aead, err := newCCM(shared)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, n[:ccmNonceSize], payload[:split], nil)
}

// EncryptPKI seals plaintext for the pair owning shared. The result is
// accepted by DecryptPKI with the same id and sender.
func EncryptPKI(shared Key, id uint32, from core.NodeID, extra uint32, plaintext []byte) ([]byte, error) {
	n := NewNonceExtra(id, from, extra)
	aead, err := newCCM(shared)
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nil, n[:ccmNonceSize], plaintext, nil)
	return binary.LittleEndian.AppendUint32(out, extra), nil
}
