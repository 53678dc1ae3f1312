package channel

import (
	"crypto/sha256"
	"fmt"
	"slices"
	"sync"

	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

// TxKind classifies simulated transactions.
type TxKind uint8

const (
	TxFunding TxKind = iota + 1
	TxCommitment
	TxClosing
)

func (k TxKind) String() string {
	switch k {
	case TxFunding:
		return "funding"
	case TxCommitment:
		return "commitment"
	case TxClosing:
		return "closing"
	}
	return fmt.Sprintf("tx(%d)", uint8(k))
}

// Tx is a simulated on-chain transaction. Commitment and closing
// transactions spend a funding outpoint.
type Tx struct {
	Kind       TxKind
	Spends     monitor.Outpoint
	Nonce      string
	FundingSat uint64

	// Commitment number and balances from the broadcaster's point of view.
	Number       uint64
	ToLocalMsat  uint64
	ToRemoteMsat uint64
	HTLCMsat     uint64
	Point        wire.Hash

	Signatures [][]byte
}

// ID hashes the transaction's encoding.
func (tx *Tx) ID() wire.Hash {
	var e wire.Encoder
	e.Uint(1, uint64(tx.Kind))
	e.Hash(2, tx.Spends.TxID)
	e.Uint(3, uint64(tx.Spends.Index))
	e.String(4, tx.Nonce)
	e.Uint(5, tx.FundingSat)
	e.Uint(6, tx.Number)
	e.Uint(7, tx.ToLocalMsat)
	e.Uint(8, tx.ToRemoteMsat)
	e.Uint(9, tx.HTLCMsat)
	e.Hash(10, tx.Point)
	for _, sig := range tx.Signatures {
		e.Bytes(11, sig)
	}
	return sha256.Sum256(e.Encoded())
}

// Block is a batch of confirmed transactions.
type Block struct {
	Height uint32
	Txs    []*Tx
}

// Broadcaster collects the transactions a node hands to the chain.
type Broadcaster struct {
	mu  sync.Mutex
	txs []*Tx
}

func (b *Broadcaster) Broadcast(tx *Tx) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs = append(b.txs, tx)
}

// Pending returns the broadcast transactions not yet taken.
func (b *Broadcaster) Pending() []*Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.txs)
}

// Take returns and clears the pending transactions.
func (b *Broadcaster) Take() []*Tx {
	b.mu.Lock()
	defer b.mu.Unlock()
	txs := b.txs
	b.txs = nil
	return txs
}

// EventKind names a node event.
type EventKind uint8

const (
	EventChannelReady EventKind = iota + 1
	EventPaymentSent
	EventPaymentReceived
	EventHolderForceClosed
	EventCommitmentTxConfirmed
	EventChannelClosed
)

func (k EventKind) String() string {
	switch k {
	case EventChannelReady:
		return "channel_ready"
	case EventPaymentSent:
		return "payment_sent"
	case EventPaymentReceived:
		return "payment_received"
	case EventHolderForceClosed:
		return "holder_force_closed"
	case EventCommitmentTxConfirmed:
		return "commitment_tx_confirmed"
	case EventChannelClosed:
		return "channel_closed"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// Event is something a node reports to its user.
type Event struct {
	Kind        EventKind
	ChannelID   wire.Hash
	AmountMsat  uint64
	PaymentHash wire.Hash
	Tx          *Tx
	Height      uint32
}
