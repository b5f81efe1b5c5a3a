// Package keyring holds the channel keys and peer key pairs the decryption
// stage may use. A Registry is built once from configuration and is
// read-only afterwards, so concurrent readers need no locking.
package keyring

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/crypto"
)

// DefaultKey is the well-known key that one-byte channel keys refer to.
var DefaultKey = []byte{
	0xd4, 0xf1, 0xbb, 0x3a, 0x20, 0x29, 0x07, 0x59,
	0xf0, 0xbc, 0xff, 0xab, 0xcf, 0x4e, 0x69, 0x01,
}

// Channel is a named broadcast group and its expanded key. An empty Key
// means the channel is not encrypted.
type Channel struct {
	Name string
	Key  []byte
	Hash uint8
}

// Peer is a node with known key material. Owned peers carry a private key.
type Peer struct {
	Name       string
	NodeID     core.NodeID
	Highlight  bool
	PublicKey  crypto.Key
	PrivateKey crypto.Key
	Owned      bool
}

// Registry answers key lookups for the decryption stage.
type Registry struct {
	channels []Channel
	byHash   map[uint8][]Channel
	peers    []Peer
	byNode   map[core.NodeID]Peer
}

// Build validates keys and returns the registry. Every malformed entry is
// reported; the returned error wraps core.ErrMalformedKeyMaterial.
func Build(keys config.KeysConfig) (*Registry, error) {
	r := &Registry{
		byHash: make(map[uint8][]Channel),
		byNode: make(map[core.NodeID]Peer),
	}

	var errs error
	for i, cc := range keys.Channels {
		ch, err := NewChannel(cc.Name, cc.Key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("keys.channels[%d] %q: %w", i, cc.Name, err))
			continue
		}
		r.channels = append(r.channels, ch)
		r.byHash[ch.Hash] = append(r.byHash[ch.Hash], ch)
	}

	for i, pc := range keys.Peers {
		p, err := NewPeer(pc)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("keys.peers[%d] %s: %w", i, pc.NodeID, err))
			continue
		}
		if prev, dup := r.byNode[p.NodeID]; dup {
			slog.Warn("duplicate peer ignored",
				"node", p.NodeID.String(), "kept", prev.Name, "ignored", p.Name)
			continue
		}
		r.peers = append(r.peers, p)
		r.byNode[p.NodeID] = p
	}

	if errs != nil {
		return nil, errs
	}
	return r, nil
}

// NewChannel decodes a base64 channel key and computes the channel hash.
func NewChannel(name, key string) (Channel, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return Channel{}, fmt.Errorf("%w: key is not base64: %v", core.ErrMalformedKeyMaterial, err)
	}
	expanded, err := ExpandKey(raw)
	if err != nil {
		return Channel{}, err
	}
	return Channel{Name: name, Key: expanded, Hash: ChannelHash(name, expanded)}, nil
}

// ExpandKey resolves the key shorthands. A one-byte key is an index into
// the default key: 0 disables encryption, n selects DefaultKey with its
// last byte advanced by n-1.
func ExpandKey(raw []byte) ([]byte, error) {
	switch len(raw) {
	case 0:
		return nil, nil
	case 1:
		if raw[0] == 0 {
			return nil, nil
		}
		k := bytes.Clone(DefaultKey)
		k[len(k)-1] += raw[0] - 1
		return k, nil
	case 16, 32:
		return bytes.Clone(raw), nil
	default:
		return nil, fmt.Errorf("%w: unsupported key size %d bytes", core.ErrMalformedKeyMaterial, len(raw))
	}
}

// ChannelHash is the one-byte channel fingerprint carried in packet
// headers: the XOR of every name byte and every key byte.
func ChannelHash(name string, key []byte) uint8 {
	var h uint8
	for i := 0; i < len(name); i++ {
		h ^= name[i]
	}
	for _, b := range key {
		h ^= b
	}
	return h
}

// NewPeer validates the key material of one peer entry.
func NewPeer(pc config.PeerConfig) (Peer, error) {
	p := Peer{Name: pc.Name, NodeID: pc.NodeID, Highlight: pc.Highlight}
	if p.Name == "" {
		p.Name = pc.NodeID.String()
	}

	if pc.PrivateKey == "" && pc.PublicKey == "" {
		return Peer{}, fmt.Errorf("%w: peer needs a private or public key", core.ErrMalformedKeyMaterial)
	}

	if pc.PublicKey != "" {
		pub, err := decodeKey(pc.PublicKey)
		if err != nil {
			return Peer{}, fmt.Errorf("public key: %w", err)
		}
		p.PublicKey = pub
	}

	if pc.PrivateKey != "" {
		priv, err := decodeKey(pc.PrivateKey)
		if err != nil {
			return Peer{}, fmt.Errorf("private key: %w", err)
		}
		pub, err := crypto.PublicKey(priv)
		if err != nil {
			return Peer{}, err
		}
		if pc.PublicKey != "" && pub != p.PublicKey {
			return Peer{}, fmt.Errorf("%w: public key does not match private key", core.ErrMalformedKeyMaterial)
		}
		p.PrivateKey = priv
		p.PublicKey = pub
		p.Owned = true
	}
	return p, nil
}

func decodeKey(s string) (crypto.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return crypto.Key{}, fmt.Errorf("%w: key is not base64: %v", core.ErrMalformedKeyMaterial, err)
	}
	return crypto.KeyFromBytes(raw)
}

// ChannelsByHash returns every channel whose hash is h, in configuration
// order. Several channels may share a hash.
func (r *Registry) ChannelsByHash(h uint8) []Channel {
	return r.byHash[h]
}

// ChannelByName returns the first channel named name.
func (r *Registry) ChannelByName(name string) (Channel, bool) {
	for _, ch := range r.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// OwnedPeer returns the peer for id if its private key is known.
func (r *Registry) OwnedPeer(id core.NodeID) (Peer, bool) {
	p, ok := r.byNode[id]
	if !ok || !p.Owned {
		return Peer{}, false
	}
	return p, true
}

// PublicKey returns the public key of id if known.
func (r *Registry) PublicKey(id core.NodeID) (crypto.Key, bool) {
	p, ok := r.byNode[id]
	if !ok {
		return crypto.Key{}, false
	}
	return p.PublicKey, true
}

// Peer returns the peer entry of id.
func (r *Registry) Peer(id core.NodeID) (Peer, bool) {
	p, ok := r.byNode[id]
	return p, ok
}

// Channels returns all channels in configuration order.
func (r *Registry) Channels() []Channel {
	return r.channels
}

// Peers returns all peers in configuration order, duplicates removed.
func (r *Registry) Peers() []Peer {
	return r.peers
}
