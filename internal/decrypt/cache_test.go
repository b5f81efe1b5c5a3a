package decrypt

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/crypto"
)

func TestSecretCacheSingleDerivation(t *testing.T) {
	c := NewSecretCache()
	var calls atomic.Int32
	derive := func() (crypto.Key, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return crypto.Key{1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// both orders of the pair map to the same entry
			a, b := core.NodeID(1), core.NodeID(2)
			if i%2 == 1 {
				a, b = b, a
			}
			k, err := c.Get(core.PairOf(a, b), derive)
			assert.NoError(t, err)
			assert.Equal(t, byte(1), k[0])
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.Derivations())
	assert.Equal(t, 1, c.Len())
}

func TestSecretCacheErrorNotCached(t *testing.T) {
	c := NewSecretCache()
	boom := errors.New("boom")
	pair := core.PairOf(3, 4)

	_, err := c.Get(pair, func() (crypto.Key, error) { return crypto.Key{}, boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	k, err := c.Get(pair, func() (crypto.Key, error) { return crypto.Key{9}, nil })
	require.NoError(t, err)
	assert.Equal(t, byte(9), k[0])
	assert.Equal(t, uint64(1), c.Derivations())
}
