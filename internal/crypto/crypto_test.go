package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/meshtap/internal/core"
)

var defaultKey, _ = base64.StdEncoding.DecodeString("1PG7OiApB1nwvP+rz05pAQ==")

func TestNonceLayout(t *testing.T) {
	n := NewNonceExtra(0x01020304, 0xaabbccdd, 0x11223344)
	want := Nonce{
		0x04, 0x03, 0x02, 0x01,
		0x44, 0x33, 0x22, 0x11,
		0xdd, 0xcc, 0xbb, 0xaa,
		0, 0, 0, 0,
	}
	assert.Equal(t, want, n)
}

func TestNonceDeterministic(t *testing.T) {
	assert.Equal(t, NewNonce(42, 0xaabbccdd), NewNonce(42, 0xaabbccdd))
}

func TestNonceDistinct(t *testing.T) {
	seen := make(map[Nonce]struct{})
	for _, from := range []core.NodeID{1, 2, 0xaabbccdd, core.BroadcastNodeID} {
		for id := uint32(0); id < 256; id++ {
			n := NewNonce(id, from)
			_, dup := seen[n]
			require.False(t, dup, "nonce reused for id %d from %v", id, from)
			seen[n] = struct{}{}
		}
	}
}

func TestChannelRoundTrip(t *testing.T) {
	key256 := bytes.Repeat([]byte{0x5a}, 32)
	plain := []byte("the quick brown fox")

	for name, key := range map[string][]byte{"aes128": defaultKey, "aes256": key256, "none": nil} {
		t.Run(name, func(t *testing.T) {
			ct, err := EncryptChannel(key, 42, 0xaabbccdd, plain)
			require.NoError(t, err)
			if len(key) > 0 {
				assert.NotEqual(t, plain, ct)
			}
			got, err := DecryptChannel(key, 42, 0xaabbccdd, ct)
			require.NoError(t, err)
			assert.Equal(t, plain, got)
		})
	}
}

func TestChannelNonceChangesKeystream(t *testing.T) {
	plain := make([]byte, 16)
	a, err := EncryptChannel(defaultKey, 1, 0xaabbccdd, plain)
	require.NoError(t, err)
	b, err := EncryptChannel(defaultKey, 2, 0xaabbccdd, plain)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestChannelBadKey(t *testing.T) {
	_, err := DecryptChannel([]byte{1, 2, 3}, 1, 1, []byte{0})
	assert.True(t, errors.Is(err, core.ErrMalformedKeyMaterial))
}

func TestSharedKeySymmetric(t *testing.T) {
	a, err := GeneratePrivateKey()
	require.NoError(t, err)
	b, err := GeneratePrivateKey()
	require.NoError(t, err)
	pubA, err := PublicKey(a)
	require.NoError(t, err)
	pubB, err := PublicKey(b)
	require.NoError(t, err)

	ab, err := SharedKey(a, pubB)
	require.NoError(t, err)
	ba, err := SharedKey(b, pubA)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
}

func TestPKIRoundTrip(t *testing.T) {
	var shared Key
	shared[0] = 0x42
	plain := []byte{0x08, 0x01, 0x12, 0x02, 'h', 'i'}

	payload, err := EncryptPKI(shared, 77, 0x11111111, 0xdeadbeef, plain)
	require.NoError(t, err)
	assert.Len(t, payload, len(plain)+PKIOverhead)

	got, err := DecryptPKI(shared, 77, 0x11111111, payload)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// wrong sender changes the nonce and fails authentication
	_, err = DecryptPKI(shared, 77, 0x22222222, payload)
	assert.Error(t, err)

	tampered := append([]byte{}, payload...)
	tampered[0] ^= 0xff
	_, err = DecryptPKI(shared, 77, 0x11111111, tampered)
	assert.Error(t, err)
}

func TestPKIShortPayload(t *testing.T) {
	_, err := DecryptPKI(Key{}, 1, 1, make([]byte, PKIOverhead-1))
	assert.ErrorIs(t, err, ErrShortCiphertext)
}

func TestKeyFromBytes(t *testing.T) {
	_, err := KeyFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, core.ErrMalformedKeyMaterial)

	k, err := KeyFromBytes(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	assert.Equal(t, byte(7), k[31])
}
