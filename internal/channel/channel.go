package channel

import (
	"crypto/ed25519"
	"slices"

	"kvsync/internal/identity"
	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

type channelState uint8

const (
	stateOpening channelState = iota
	stateOpen
	stateShuttingDown
	// stateFrozen channels were restored in the middle of a commitment
	// update. They can only be force closed.
	stateFrozen
)

func (s channelState) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateShuttingDown:
		return "shutting_down"
	case stateFrozen:
		return "frozen"
	}
	return "unknown"
}

type htlc struct {
	id         uint64
	amountMsat uint64
	hash       wire.Hash
	offered    bool
}

// Channel is one node's live view of a channel. Balances exclude pending
// HTLCs, which are held separately until settled.
type Channel struct {
	id         wire.Hash
	tempID     string
	funding    monitor.Outpoint
	peer       ed25519.PublicKey
	funder     bool
	fundingSat uint64
	keysID     wire.Hash
	state      channelState
	fundingTx  *Tx

	localMsat  uint64
	remoteMsat uint64
	htlcs      []htlc
	nextHTLCID uint64

	holderNum   uint64
	holderSig   []byte
	needsRevoke bool

	cpNum     uint64
	cpRevoked uint64
	cpPoints  []wire.Hash

	localShutdown    bool
	remoteShutdown   bool
	closingSig       []byte
	remoteClosingSig []byte

	// pending steps become one monitor update when the node commits.
	pending []monitor.Step
}

func (ch *Channel) key() string { return ch.funding.Key() }

func (ch *Channel) htlcMsat() uint64 {
	var sum uint64
	for _, h := range ch.htlcs {
		sum += h.amountMsat
	}
	return sum
}

// commitment is the holder's view at num, or the counterparty's when
// holder is false.
func (ch *Channel) commitment(holder bool, num uint64, point wire.Hash) wire.Commitment {
	c := wire.Commitment{
		ChannelID:    ch.id,
		Number:       num,
		ToLocalMsat:  ch.localMsat,
		ToRemoteMsat: ch.remoteMsat,
		HTLCMsat:     ch.htlcMsat(),
		Point:        point,
	}
	if !holder {
		c.ToLocalMsat, c.ToRemoteMsat = c.ToRemoteMsat, c.ToLocalMsat
	}
	return c
}

func (ch *Channel) closingBalances() (funderMsat, fundeeMsat uint64) {
	if ch.funder {
		return ch.localMsat, ch.remoteMsat
	}
	return ch.remoteMsat, ch.localMsat
}

func (ch *Channel) findHTLC(match func(htlc) bool) int {
	return slices.IndexFunc(ch.htlcs, match)
}

func (ch *Channel) newMonitor() *monitor.Monitor {
	c := ch.commitment(true, 0, wire.Hash{})
	return &monitor.Monitor{
		ChannelID:          ch.id,
		Funding:            ch.funding,
		CounterpartyNodeID: identity.NodeIDOf(ch.peer),
		CounterpartyPubkey: slices.Clone(ch.peer),
		FundingSat:         ch.fundingSat,
		IsFunder:           ch.funder,
		KeysID:             ch.keysID,
		Holder: monitor.HolderCommitment{
			Number:       0,
			ToLocalMsat:  c.ToLocalMsat,
			ToRemoteMsat: c.ToRemoteMsat,
			Signature:    slices.Clone(ch.holderSig),
		},
		CounterpartyPoints: slices.Clone(ch.cpPoints),
	}
}

// channelFromMonitor rebuilds the live view of an open channel from its
// persisted monitor.
func channelFromMonitor(m *monitor.Monitor) *Channel {
	ch := &Channel{
		id:         m.ChannelID,
		funding:    m.Funding,
		peer:       ed25519.PublicKey(slices.Clone(m.CounterpartyPubkey)),
		funder:     m.IsFunder,
		fundingSat: m.FundingSat,
		keysID:     m.KeysID,
		state:      stateOpen,
		localMsat:  m.Holder.ToLocalMsat,
		remoteMsat: m.Holder.ToRemoteMsat,
		holderNum:  m.Holder.Number,
		holderSig:  slices.Clone(m.Holder.Signature),
		cpNum:      m.CounterpartyCommitmentNumber,
		cpRevoked:  uint64(len(m.CounterpartySecrets)),
		cpPoints:   slices.Clone(m.CounterpartyPoints),
	}
	if m.Holder.HTLCMsat != 0 || ch.cpRevoked != ch.cpNum || ch.cpNum != ch.holderNum {
		ch.state = stateFrozen
	}
	return ch
}
