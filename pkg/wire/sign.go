package wire

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
)

// Commitment is one side's view of the channel balances at a commitment
// number. ToLocal belongs to the commitment's holder.
type Commitment struct {
	ChannelID    Hash
	Number       uint64
	ToLocalMsat  uint64
	ToRemoteMsat uint64
	HTLCMsat     uint64
	// Point is the holder's per-commitment point for Number.
	Point Hash
}

// SignCommitment signs c with the counterparty's key. An invalid key
// yields a nil signature.
func SignCommitment(c Commitment, priv ed25519.PrivateKey) []byte {
	if len(priv) != ed25519.PrivateKeySize {
		return nil
	}
	return ed25519.Sign(priv, CommitmentSignData(c))
}

// VerifyCommitment checks a commitment signature.
func VerifyCommitment(c Commitment, pub ed25519.PublicKey, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, CommitmentSignData(c), sig)
}

// CommitmentSignData returns the bytes signed for a commitment.
func CommitmentSignData(c Commitment) []byte {
	var buf bytes.Buffer
	buf.WriteString("kvsync commitment")
	buf.Write(c.ChannelID[:])
	var n [8]byte
	for _, v := range []uint64{c.Number, c.ToLocalMsat, c.ToRemoteMsat, c.HTLCMsat} {
		binary.BigEndian.PutUint64(n[:], v)
		buf.Write(n[:])
	}
	buf.Write(c.Point[:])
	return buf.Bytes()
}

// ClosingSignData returns the bytes signed for a cooperative close paying
// funderMsat and fundeeMsat.
func ClosingSignData(channelID Hash, funderMsat, fundeeMsat uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString("kvsync closing")
	buf.Write(channelID[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], funderMsat)
	buf.Write(n[:])
	binary.BigEndian.PutUint64(n[:], fundeeMsat)
	buf.Write(n[:])
	return buf.Bytes()
}
