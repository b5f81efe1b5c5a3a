// Package decrypt recovers the plaintext of encrypted mesh packets using
// the keys held by a keyring.Registry.
package decrypt

import (
	"errors"
	"fmt"
	"time"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/decoder"
	"firestige.xyz/meshtap/internal/crypto"
	"firestige.xyz/meshtap/internal/keyring"
	"firestige.xyz/meshtap/internal/metrics"
)

// Engine selects the decrypt path of a packet, tries the candidate keys and
// validates the result. It is safe for concurrent use.
type Engine struct {
	registry *keyring.Registry
	cache    *SecretCache
}

// NewEngine creates an engine. A nil cache gets a private one.
func NewEngine(registry *keyring.Registry, cache *SecretCache) *Engine {
	if cache == nil {
		cache = NewSecretCache()
	}
	return &Engine{registry: registry, cache: cache}
}

// Cache returns the shared secret cache used by the engine.
func (e *Engine) Cache() *SecretCache {
	return e.cache
}

// Process decrypts pkt if possible. It never fails: a packet that cannot
// be decrypted is returned with StatusUndecryptable and the reason.
func (e *Engine) Process(pkt core.DecodedPacket, meta core.FrameMeta) core.DecodedMessage {
	msg := core.DecodedMessage{
		Packet:    pkt,
		Meta:      meta,
		Highlight: e.highlighted(pkt.From) || e.highlighted(pkt.To),
	}

	if !pkt.IsEncrypted() {
		msg.Status = core.StatusPlaintext
		msg.Data = pkt.Decoded
		return msg
	}

	msg.Path = SelectPath(pkt)
	start := time.Now()
	var (
		data *core.Data
		key  core.KeySource
		err  error
	)
	switch msg.Path {
	case core.PathPeer:
		data, key, err = e.decryptPeer(pkt)
	default:
		data, key, err = e.decryptChannel(pkt, meta)
	}
	metrics.DecryptLatencySeconds.WithLabelValues(string(msg.Path)).Observe(time.Since(start).Seconds())

	if err != nil {
		msg.Status = core.StatusUndecryptable
		msg.Reason = err
		return msg
	}
	msg.Status = core.StatusDecrypted
	msg.Data = data
	msg.Key = key
	return msg
}

// SelectPath returns the key family for an encrypted packet. Broadcasts
// use channel keys. Unicast packets flagged as PKI or carrying a zero
// channel hash use the peer keys; other unicast packets were encrypted
// with a channel key by older firmware.
func SelectPath(pkt core.DecodedPacket) core.DecryptPath {
	if pkt.To.IsBroadcast() {
		return core.PathChannel
	}
	if pkt.PKIEncrypted || pkt.ChannelHash() == 0 {
		return core.PathPeer
	}
	return core.PathChannel
}

func (e *Engine) decryptChannel(pkt core.DecodedPacket, meta core.FrameMeta) (*core.Data, core.KeySource, error) {
	candidates := e.candidates(pkt.ChannelHash(), meta.ChannelID)
	if len(candidates) == 0 {
		return nil, core.KeySource{}, fmt.Errorf("%w: channel hash %#02x", core.ErrNoMatchingKey, pkt.ChannelHash())
	}

	var lastErr error
	for _, ch := range candidates {
		plain, err := crypto.DecryptChannel(ch.Key, pkt.ID, pkt.From, pkt.Encrypted)
		if err == nil {
			var d core.Data
			if d, err = decoder.ValidateData(plain); err == nil {
				recordAttempt(core.PathChannel, "ok")
				return &d, core.KeySource{Path: core.PathChannel, Channel: ch.Name}, nil
			}
		}
		recordAttempt(core.PathChannel, "rejected")
		lastErr = err
	}
	return nil, core.KeySource{}, fmt.Errorf("%w: %d channel candidates rejected: %v",
		core.ErrValidationFailed, len(candidates), lastErr)
}

// candidates returns the channels matching hash. A channel named by the
// MQTT envelope is tried first.
func (e *Engine) candidates(hash uint8, preferred string) []keyring.Channel {
	matches := e.registry.ChannelsByHash(hash)
	if preferred == "" || len(matches) < 2 {
		return matches
	}
	for i, ch := range matches {
		if ch.Name != preferred {
			continue
		}
		if i == 0 {
			return matches
		}
		ordered := make([]keyring.Channel, 0, len(matches))
		ordered = append(ordered, ch)
		ordered = append(ordered, matches[:i]...)
		return append(ordered, matches[i+1:]...)
	}
	return matches
}

func (e *Engine) decryptPeer(pkt core.DecodedPacket) (*core.Data, core.KeySource, error) {
	shared, key, err := e.peerKey(pkt)
	if err != nil {
		return nil, core.KeySource{}, err
	}

	plain, err := crypto.DecryptPKI(shared, pkt.ID, pkt.From, pkt.Encrypted)
	if err != nil {
		recordAttempt(core.PathPeer, "rejected")
		return nil, core.KeySource{}, fmt.Errorf("%w: %v", core.ErrValidationFailed, err)
	}
	d, err := decoder.ValidateData(plain)
	if err != nil {
		recordAttempt(core.PathPeer, "rejected")
		return nil, core.KeySource{}, fmt.Errorf("%w: %v", core.ErrValidationFailed, err)
	}
	recordAttempt(core.PathPeer, "ok")
	return &d, key, nil
}

// peerKey finds the shared key of the packet's node pair. The receiving
// side is checked first, then the sending side. As a last resort the
// sender public key carried in the packet is used without caching, since
// it is not vouched for by configuration.
func (e *Engine) peerKey(pkt core.DecodedPacket) (crypto.Key, core.KeySource, error) {
	if local, ok := e.registry.OwnedPeer(pkt.To); ok {
		if remote, ok := e.registry.PublicKey(pkt.From); ok {
			k, err := e.cached(local, pkt.From, remote)
			return k, peerSource(local.NodeID, pkt.From), err
		}
	}
	if local, ok := e.registry.OwnedPeer(pkt.From); ok {
		if remote, ok := e.registry.PublicKey(pkt.To); ok {
			k, err := e.cached(local, pkt.To, remote)
			return k, peerSource(local.NodeID, pkt.To), err
		}
	}
	if local, ok := e.registry.OwnedPeer(pkt.To); ok && len(pkt.PublicKey) == crypto.KeySize {
		remote, err := crypto.KeyFromBytes(pkt.PublicKey)
		if err != nil {
			return crypto.Key{}, core.KeySource{}, err
		}
		k, err := crypto.SharedKey(local.PrivateKey, remote)
		if err != nil {
			return crypto.Key{}, core.KeySource{}, fmt.Errorf("%w: %v", core.ErrValidationFailed, err)
		}
		return k, peerSource(local.NodeID, pkt.From), nil
	}
	return crypto.Key{}, core.KeySource{}, fmt.Errorf("%w: no key pair for %s", core.ErrNoMatchingKey, core.PairOf(pkt.From, pkt.To))
}

func (e *Engine) cached(local keyring.Peer, remoteID core.NodeID, remote crypto.Key) (crypto.Key, error) {
	k, err := e.cache.Get(core.PairOf(local.NodeID, remoteID), func() (crypto.Key, error) {
		return crypto.SharedKey(local.PrivateKey, remote)
	})
	if err != nil && !errors.Is(err, core.ErrValidationFailed) {
		err = fmt.Errorf("%w: %v", core.ErrValidationFailed, err)
	}
	return k, err
}

func (e *Engine) highlighted(id core.NodeID) bool {
	p, ok := e.registry.Peer(id)
	return ok && p.Highlight
}

func peerSource(local, remote core.NodeID) core.KeySource {
	return core.KeySource{Path: core.PathPeer, Local: local, Remote: remote}
}

func recordAttempt(path core.DecryptPath, result string) {
	metrics.DecryptAttemptsTotal.WithLabelValues(string(path), result).Inc()
}
