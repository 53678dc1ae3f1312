// Package monitor holds the per-channel state a node must never lose and
// persists it through a kvstore.Store.
//
// A Monitor starts at update id 0 when its channel is funded. Every change
// arrives as an Update carrying the next id and one or more steps. The
// reserved ClosedUpdateID marks the terminal update of a closed channel.
package monitor

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math"
	"slices"

	"kvsync/pkg/wire"
)

// ClosedUpdateID is the update id of every update applied once a channel
// has been closed on chain.
const ClosedUpdateID uint64 = math.MaxUint64

var (
	ErrUpdateOrder = errors.New("monitor: update out of order")
	ErrClosed      = errors.New("monitor: channel closed")
	ErrBadStep     = errors.New("monitor: invalid update step")
)

// Outpoint names a transaction output.
type Outpoint struct {
	TxID  wire.Hash
	Index uint16
}

// Key is the store key of the monitor funded by o.
func (o Outpoint) Key() string {
	return fmt.Sprintf("%s_%d", o.TxID, o.Index)
}

func (o Outpoint) String() string { return o.Key() }

// ChannelID derives the channel id from the funding outpoint.
func (o Outpoint) ChannelID() wire.Hash {
	id := o.TxID
	id[30] ^= byte(o.Index >> 8)
	id[31] ^= byte(o.Index)
	return id
}

// HolderCommitment is the latest commitment the holder can broadcast,
// signed by the counterparty.
type HolderCommitment struct {
	Number       uint64
	ToLocalMsat  uint64
	ToRemoteMsat uint64
	HTLCMsat     uint64
	Signature    []byte
}

// Monitor is the persisted state of one channel as seen by one node.
type Monitor struct {
	ChannelID          wire.Hash
	Funding            Outpoint
	CounterpartyNodeID string
	CounterpartyPubkey []byte
	FundingSat         uint64
	IsFunder           bool
	// KeysID salts the holder's per-commitment secret derivation.
	KeysID         wire.Hash
	LatestUpdateID uint64

	Holder HolderCommitment

	CounterpartyCommitmentNumber uint64
	// CounterpartyPoints[n] is the counterparty's point for commitment n.
	CounterpartyPoints []wire.Hash
	// CounterpartySecrets[n] revokes counterparty commitment n.
	CounterpartySecrets []wire.Hash

	Preimages []wire.Hash
	Closed    bool
}

// Key is the monitor's store key.
func (m *Monitor) Key() string { return m.Funding.Key() }

// Clone returns a deep copy.
func (m *Monitor) Clone() *Monitor {
	c := *m
	c.CounterpartyPubkey = slices.Clone(m.CounterpartyPubkey)
	c.Holder.Signature = slices.Clone(m.Holder.Signature)
	c.CounterpartyPoints = slices.Clone(m.CounterpartyPoints)
	c.CounterpartySecrets = slices.Clone(m.CounterpartySecrets)
	c.Preimages = slices.Clone(m.Preimages)
	return &c
}

// HasPreimage reports whether p has been recorded.
func (m *Monitor) HasPreimage(p wire.Hash) bool {
	return slices.Contains(m.Preimages, p)
}

// Update is one atomic change to a Monitor.
type Update struct {
	UpdateID uint64
	Steps    []Step
}

// Apply applies u to m. Either every step applies or m is unchanged.
func (m *Monitor) Apply(u *Update) error {
	if len(u.Steps) == 0 {
		return fmt.Errorf("%w: update %d has no steps", ErrBadStep, u.UpdateID)
	}
	switch {
	case u.UpdateID == ClosedUpdateID:
		if !m.Closed && !slices.ContainsFunc(u.Steps, isForceClose) {
			return fmt.Errorf("%w: closing update without a force-close step", ErrBadStep)
		}
	case m.Closed:
		return fmt.Errorf("%w: update %d after close", ErrClosed, u.UpdateID)
	case u.UpdateID != m.LatestUpdateID+1:
		return fmt.Errorf("%w: got %d, latest %d", ErrUpdateOrder, u.UpdateID, m.LatestUpdateID)
	}

	next := m.Clone()
	for _, s := range u.Steps {
		if next.Closed && u.UpdateID == ClosedUpdateID && !closedStepAllowed(s) {
			return fmt.Errorf("%w: %s after close", ErrBadStep, s.Kind())
		}
		if err := s.apply(next); err != nil {
			return err
		}
	}
	next.LatestUpdateID = u.UpdateID
	*m = *next
	return nil
}

func isForceClose(s Step) bool {
	_, ok := s.(ChannelForceClosed)
	return ok
}

func closedStepAllowed(s Step) bool {
	switch s.(type) {
	case PaymentPreimage, ChannelForceClosed:
		return true
	}
	return false
}

// StepKind tags a Step on disk.
type StepKind uint8

const (
	KindLatestHolderCommitment StepKind = iota + 1
	KindLatestCounterpartyCommitment
	KindCommitmentSecret
	KindPaymentPreimage
	KindChannelForceClosed
)

func (k StepKind) String() string {
	switch k {
	case KindLatestHolderCommitment:
		return "latest_holder_commitment"
	case KindLatestCounterpartyCommitment:
		return "latest_counterparty_commitment"
	case KindCommitmentSecret:
		return "commitment_secret"
	case KindPaymentPreimage:
		return "payment_preimage"
	case KindChannelForceClosed:
		return "channel_force_closed"
	}
	return fmt.Sprintf("step(%d)", uint8(k))
}

// Step is one change inside an Update.
type Step interface {
	Kind() StepKind
	apply(*Monitor) error
}

// LatestHolderCommitment replaces the holder commitment with the next one.
type LatestHolderCommitment struct {
	HolderCommitment
}

func (LatestHolderCommitment) Kind() StepKind { return KindLatestHolderCommitment }

func (s LatestHolderCommitment) apply(m *Monitor) error {
	if s.Number != m.Holder.Number+1 {
		return fmt.Errorf("%w: holder commitment %d after %d", ErrBadStep, s.Number, m.Holder.Number)
	}
	if len(s.Signature) == 0 {
		return fmt.Errorf("%w: unsigned holder commitment %d", ErrBadStep, s.Number)
	}
	m.Holder = s.HolderCommitment
	m.Holder.Signature = slices.Clone(s.Signature)
	return nil
}

// LatestCounterpartyCommitment records that the holder signed the
// counterparty's next commitment.
type LatestCounterpartyCommitment struct {
	Number uint64
}

func (LatestCounterpartyCommitment) Kind() StepKind { return KindLatestCounterpartyCommitment }

func (s LatestCounterpartyCommitment) apply(m *Monitor) error {
	if s.Number != m.CounterpartyCommitmentNumber+1 {
		return fmt.Errorf("%w: counterparty commitment %d after %d", ErrBadStep, s.Number, m.CounterpartyCommitmentNumber)
	}
	if s.Number >= uint64(len(m.CounterpartyPoints)) {
		return fmt.Errorf("%w: no counterparty point for commitment %d", ErrBadStep, s.Number)
	}
	m.CounterpartyCommitmentNumber = s.Number
	return nil
}

// CommitmentSecret records the revocation of counterparty commitment
// Number and the point for commitment Number+2.
type CommitmentSecret struct {
	Number    uint64
	Secret    wire.Hash
	NextPoint wire.Hash
}

func (CommitmentSecret) Kind() StepKind { return KindCommitmentSecret }

func (s CommitmentSecret) apply(m *Monitor) error {
	if s.Number != uint64(len(m.CounterpartySecrets)) {
		return fmt.Errorf("%w: secret %d, expected %d", ErrBadStep, s.Number, len(m.CounterpartySecrets))
	}
	if s.Number >= m.CounterpartyCommitmentNumber {
		return fmt.Errorf("%w: secret for unrevocable commitment %d", ErrBadStep, s.Number)
	}
	if wire.Hash(sha256.Sum256(s.Secret[:])) != m.CounterpartyPoints[s.Number] {
		return fmt.Errorf("%w: secret %d does not match its point", ErrBadStep, s.Number)
	}
	if uint64(len(m.CounterpartyPoints)) != s.Number+2 {
		return fmt.Errorf("%w: next point out of sequence", ErrBadStep)
	}
	m.CounterpartySecrets = append(m.CounterpartySecrets, s.Secret)
	m.CounterpartyPoints = append(m.CounterpartyPoints, s.NextPoint)
	return nil
}

// PaymentPreimage records a preimage that can claim an HTLC.
type PaymentPreimage struct {
	Preimage wire.Hash
}

func (PaymentPreimage) Kind() StepKind { return KindPaymentPreimage }

func (s PaymentPreimage) apply(m *Monitor) error {
	if !m.HasPreimage(s.Preimage) {
		m.Preimages = append(m.Preimages, s.Preimage)
	}
	return nil
}

// ChannelForceClosed marks the channel closed. ShouldBroadcast is set when
// the holder is the one broadcasting its commitment.
type ChannelForceClosed struct {
	ShouldBroadcast bool
}

func (ChannelForceClosed) Kind() StepKind { return KindChannelForceClosed }

func (ChannelForceClosed) apply(m *Monitor) error {
	m.Closed = true
	return nil
}
