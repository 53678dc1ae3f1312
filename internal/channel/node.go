// Package channel simulates two-party payment channels between nodes. It
// exists to produce a realistic stream of monitor writes: every state
// change a node must survive a crash with goes through its ChainMonitor
// and from there into a kvstore.Store.
package channel

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"kvsync/internal/identity"
	"kvsync/internal/logging"
	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

var (
	ErrUnknownChannel    = errors.New("channel: unknown channel")
	ErrUnknownPayment    = errors.New("channel: unknown payment")
	ErrProtocol          = errors.New("channel: protocol violation")
	ErrInsufficientFunds = errors.New("channel: insufficient balance")
)

// Node is one simulated channel participant.
type Node struct {
	name        string
	id          *identity.Identity
	seed        []byte
	chain       *ChainMonitor
	broadcaster *Broadcaster
	log         *slog.Logger

	mu       sync.Mutex
	channels map[wire.Hash]*Channel
	opening  map[string]*Channel
	invoices map[wire.Hash]wire.Hash
	events   []Event
}

// NewNode returns a node with no channels persisting through p.
func NewNode(name string, id *identity.Identity, p monitor.Persister) *Node {
	log := logging.For("channel").With("node", name)
	return &Node{
		name:        name,
		id:          id,
		seed:        id.PrivateKey.Seed(),
		chain:       NewChainMonitor(p, log),
		broadcaster: &Broadcaster{},
		log:         log,
		channels:    make(map[wire.Hash]*Channel),
		opening:     make(map[string]*Channel),
		invoices:    make(map[wire.Hash]wire.Hash),
	}
}

// RestoreNode rebuilds a node from the monitors p has persisted. Closed
// monitors are tracked but yield no channel.
func RestoreNode(name string, id *identity.Identity, p monitor.Persister) (*Node, error) {
	monitors, err := p.ReadChannelMonitors()
	if err != nil {
		return nil, fmt.Errorf("restoring %s: %w", name, err)
	}
	n := NewNode(name, id, p)
	for _, m := range monitors {
		n.chain.track(m)
		if m.Closed {
			continue
		}
		ch := channelFromMonitor(m)
		if ch.state == stateFrozen {
			n.log.Warn("channel restored mid-update", "channel", ch.key())
		}
		n.channels[ch.id] = ch
	}
	n.log.Info("node restored", "monitors", len(monitors), "channels", len(n.channels))
	return n, nil
}

func (n *Node) Name() string { return n.name }
func (n *Node) Identity() *identity.Identity { return n.id }
func (n *Node) ChainMonitor() *ChainMonitor { return n.chain }
func (n *Node) Broadcaster() *Broadcaster { return n.broadcaster }
func (n *Node) PublicKey() ed25519.PublicKey { return n.id.PublicKey }

// Events returns every event emitted so far.
func (n *Node) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.events)
}

// Channels returns the ids of live channels in byte order.
func (n *Node) Channels() []wire.Hash {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]wire.Hash, 0, len(n.channels))
	for id := range n.channels {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b wire.Hash) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

// Balance returns the settled balances of a live channel.
func (n *Node) Balance(id wire.Hash) (localMsat, remoteMsat uint64, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.channel(id, nil)
	if err != nil {
		return 0, 0, err
	}
	return ch.localMsat, ch.remoteMsat, nil
}

// CreateInvoice registers a fresh preimage and returns its payment hash.
func (n *Node) CreateInvoice() (wire.Hash, error) {
	preimage, err := randomHash()
	if err != nil {
		return wire.Hash{}, fmt.Errorf("generating preimage: %w", err)
	}
	hash := wire.Hash(sha256.Sum256(preimage[:]))
	n.mu.Lock()
	n.invoices[hash] = preimage
	n.mu.Unlock()
	return hash, nil
}

// ForceClose closes a channel unilaterally: the monitor moves to
// ClosedUpdateID and the latest holder commitment is broadcast.
func (n *Node) ForceClose(id wire.Hash) (*Tx, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.channel(id, nil)
	if err != nil {
		return nil, err
	}
	m, err := n.chain.ForceClose(ch.key(), true)
	if err != nil {
		return nil, err
	}
	tx := n.holderCommitmentTx(m)
	delete(n.channels, id)
	n.broadcaster.Broadcast(tx)
	n.log.Info("channel force closed", "channel", ch.key(), "commitment", m.Holder.Number)
	n.emit(Event{Kind: EventHolderForceClosed, ChannelID: id, Tx: tx})
	return tx, nil
}

// ConnectBlock hands a block to the chain monitor. Channels whose
// commitment confirmed are dropped.
func (n *Node) ConnectBlock(b *Block) ([]Event, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	events, err := n.chain.ConnectBlock(b)
	for _, ev := range events {
		delete(n.channels, ev.ChannelID)
		n.emit(ev)
	}
	return events, err
}

// holderCommitmentTx builds the broadcastable commitment for m, countersigned
// by the holder.
func (n *Node) holderCommitmentTx(m *monitor.Monitor) *Tx {
	point := commitmentPoint(commitmentSecret(n.seed, m.KeysID, m.Holder.Number))
	c := wire.Commitment{
		ChannelID:    m.ChannelID,
		Number:       m.Holder.Number,
		ToLocalMsat:  m.Holder.ToLocalMsat,
		ToRemoteMsat: m.Holder.ToRemoteMsat,
		HTLCMsat:     m.Holder.HTLCMsat,
		Point:        point,
	}
	return &Tx{
		Kind:         TxCommitment,
		Spends:       m.Funding,
		FundingSat:   m.FundingSat,
		Number:       c.Number,
		ToLocalMsat:  c.ToLocalMsat,
		ToRemoteMsat: c.ToRemoteMsat,
		HTLCMsat:     c.HTLCMsat,
		Point:        point,
		Signatures:   [][]byte{slices.Clone(m.Holder.Signature), n.id.Sign(wire.CommitmentSignData(c))},
	}
}

// commit persists the channel's pending steps as one monitor update.
func (n *Node) commit(id wire.Hash) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.channels[id]
	if !ok || len(ch.pending) == 0 {
		return nil
	}
	steps := ch.pending
	ch.pending = nil
	if _, err := n.chain.Update(ch.key(), steps...); err != nil {
		ch.state = stateFrozen
		return fmt.Errorf("%s: %w", n.name, err)
	}
	return nil
}

func (n *Node) emit(ev Event) {
	n.events = append(n.events, ev)
}

func (n *Node) secret(ch *Channel, num uint64) wire.Hash {
	return commitmentSecret(n.seed, ch.keysID, num)
}

func (n *Node) point(ch *Channel, num uint64) wire.Hash {
	return commitmentPoint(n.secret(ch, num))
}

// channel looks up a live channel. A non-nil peer must be its counterparty.
func (n *Node) channel(id wire.Hash, peer ed25519.PublicKey) (*Channel, error) {
	ch, ok := n.channels[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	if peer != nil && !bytes.Equal(ch.peer, peer) {
		return nil, fmt.Errorf("%w: %s message from a stranger", ErrProtocol, id)
	}
	return ch, nil
}

func (n *Node) usable(id wire.Hash, peer ed25519.PublicKey) (*Channel, error) {
	ch, err := n.channel(id, peer)
	if err != nil {
		return nil, err
	}
	if ch.state != stateOpen {
		return nil, fmt.Errorf("%w: channel %s is %s", ErrProtocol, ch.key(), ch.state)
	}
	return ch, nil
}

// channelWith returns the first live channel with peer.
func (n *Node) channelWith(peer ed25519.PublicKey) (wire.Hash, error) {
	for _, id := range n.Channels() {
		n.mu.Lock()
		ch, ok := n.channels[id]
		match := ok && bytes.Equal(ch.peer, peer) && ch.state == stateOpen
		n.mu.Unlock()
		if match {
			return id, nil
		}
	}
	return wire.Hash{}, fmt.Errorf("%w: %s has no open channel with %s", ErrUnknownChannel, n.name, identity.NodeIDOf(peer)[:16])
}
