package decrypt

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/crypto"
	"firestige.xyz/meshtap/internal/metrics"
)

// SecretCache stores the derived symmetric key of each node pair for the
// lifetime of the process. Concurrent first lookups of one pair share a
// single derivation; later lookups only take the read lock.
type SecretCache struct {
	mu    sync.RWMutex
	keys  map[core.NodePair]crypto.Key
	group singleflight.Group

	derivations atomic.Uint64
}

// NewSecretCache creates an empty cache.
func NewSecretCache() *SecretCache {
	return &SecretCache{keys: make(map[core.NodePair]crypto.Key)}
}

// Get returns the key of pair, calling derive at most once per pair across
// all goroutines. A failed derivation is not cached.
func (c *SecretCache) Get(pair core.NodePair, derive func() (crypto.Key, error)) (crypto.Key, error) {
	if k, ok := c.lookup(pair); ok {
		return k, nil
	}

	v, err, _ := c.group.Do(pair.String(), func() (any, error) {
		// a concurrent caller may have stored the key between lookup and Do
		if k, ok := c.lookup(pair); ok {
			return k, nil
		}
		k, err := derive()
		if err != nil {
			return nil, err
		}
		c.derivations.Add(1)
		metrics.SecretDerivationsTotal.Inc()

		c.mu.Lock()
		c.keys[pair] = k
		c.mu.Unlock()
		return k, nil
	})
	if err != nil {
		return crypto.Key{}, err
	}
	return v.(crypto.Key), nil
}

func (c *SecretCache) lookup(pair core.NodePair) (crypto.Key, bool) {
	c.mu.RLock()
	k, ok := c.keys[pair]
	c.mu.RUnlock()
	return k, ok
}

// Derivations reports how many shared keys were derived and stored.
func (c *SecretCache) Derivations() uint64 {
	return c.derivations.Load()
}

// Len returns the number of cached pairs.
func (c *SecretCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}
