package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"kvsync/internal/identity"
)

// ErrBadKey is matched by every node key that cannot serve as a Noise
// static key.
var ErrBadKey = errors.New("transport: bad node key")

// NoiseKeypair returns the Noise static key of a node. The private half is
// the first 32 bytes of SHA-512(seed), the scalar ed25519 itself signs
// with, so the public half must equal PeerStaticKey(id.PublicKey).
func NoiseKeypair(id *identity.Identity) (noise.DHKey, error) {
	if len(id.PrivateKey) != ed25519.PrivateKeySize {
		return noise.DHKey{}, fmt.Errorf("%w: private key is %d bytes", ErrBadKey, len(id.PrivateKey))
	}
	h := sha512.Sum512(id.PrivateKey.Seed())
	priv := bytes.Clone(h[:curve25519.ScalarSize])
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	want, err := PeerStaticKey(id.PublicKey)
	if err != nil {
		return noise.DHKey{}, err
	}
	if !bytes.Equal(pub, want) {
		return noise.DHKey{}, fmt.Errorf("%w: public key of node %s does not match its seed", ErrBadKey, id.NodeID)
	}
	return noise.DHKey{Private: priv, Public: pub}, nil
}

// PeerStaticKey is the Noise static key a node with ed25519 key pub
// presents: the Montgomery form of its public point.
func PeerStaticKey(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrBadKey, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadKey, err)
	}
	return p.BytesMontgomery(), nil
}
