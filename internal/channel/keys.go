package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"

	"kvsync/pkg/wire"
)

const secretInfo = "kvsync per-commitment secret"

// commitmentSecret derives the holder's secret for commitment n. The
// channel's keys id salts the node seed so channels never share secrets.
func commitmentSecret(seed []byte, keysID wire.Hash, n uint64) wire.Hash {
	info := binary.BigEndian.AppendUint64([]byte(secretInfo), n)
	r := hkdf.New(sha256.New, seed, keysID[:], info)
	var out wire.Hash
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf only fails past 255 blocks of output.
		panic(err)
	}
	return out
}

// commitmentPoint is the value a secret is revealed against.
func commitmentPoint(secret wire.Hash) wire.Hash {
	return sha256.Sum256(secret[:])
}

func randomHash() (wire.Hash, error) {
	var h wire.Hash
	_, err := rand.Read(h[:])
	return h, err
}
