package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"kvsync/internal/logging"
	"kvsync/internal/monitor"
	"kvsync/internal/transport"
	"kvsync/pkg/wire"
)

var ErrUnknownNode = errors.New("channel: unknown node")

type linkKey [2]string

func keyFor(a, b *Node) linkKey {
	if a.name < b.name {
		return linkKey{a.name, b.name}
	}
	return linkKey{b.name, a.name}
}

// Network connects nodes over authenticated transport links and drives the
// channel protocol between them. Operations are serialized.
type Network struct {
	log *slog.Logger

	mu     sync.Mutex
	nodes  map[string]*Node
	links  map[linkKey]*transport.Link
	height uint32
}

func NewNetwork() *Network {
	return &Network{
		log:   logging.For("network"),
		nodes: make(map[string]*Node),
		links: make(map[linkKey]*transport.Link),
	}
}

// Add registers a node. Names are unique.
func (nw *Network) Add(n *Node) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if _, ok := nw.nodes[n.name]; ok {
		return fmt.Errorf("channel: node %q already in network", n.name)
	}
	nw.nodes[n.name] = n
	return nil
}

// Replace swaps in a restarted node and drops its links.
func (nw *Network) Replace(n *Node) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if _, ok := nw.nodes[n.name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, n.name)
	}
	var errs []error
	for key, l := range nw.links {
		if key[0] == n.name || key[1] == n.name {
			errs = append(errs, l.Close())
			delete(nw.links, key)
		}
	}
	nw.nodes[n.name] = n
	nw.log.Info("node replaced", "node", n.name)
	return errors.Join(errs...)
}

// Node returns the node registered under name.
func (nw *Network) Node(name string) (*Node, bool) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	n, ok := nw.nodes[name]
	return n, ok
}

// Nodes returns every node sorted by name.
func (nw *Network) Nodes() []*Node {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	return nw.sortedNodes()
}

func (nw *Network) sortedNodes() []*Node {
	out := make([]*Node, 0, len(nw.nodes))
	for _, n := range nw.nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b *Node) int {
		switch {
		case a.name < b.name:
			return -1
		case a.name > b.name:
			return 1
		}
		return 0
	})
	return out
}

// Close tears down every link.
func (nw *Network) Close() error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	var errs []error
	for key, l := range nw.links {
		errs = append(errs, l.Close())
		delete(nw.links, key)
	}
	return errors.Join(errs...)
}

// OpenChannel funds a channel from a to b and returns its id. Both sides
// persist a monitor at update id 0.
func (nw *Network) OpenChannel(a, b *Node, fundingSat, pushMsat uint64) (wire.Hash, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if err := nw.members(a, b); err != nil {
		return wire.Hash{}, err
	}

	open, err := a.openChannel(b.PublicKey(), fundingSat, pushMsat)
	if err != nil {
		return wire.Hash{}, err
	}
	if err := nw.send(a, b, open); err != nil {
		return wire.Hash{}, err
	}
	accept, err := b.acceptChannel(open.TemporaryID)
	if err != nil {
		return wire.Hash{}, err
	}
	if err := nw.send(b, a, accept); err != nil {
		return wire.Hash{}, err
	}
	created, err := a.fundingCreated(open.TemporaryID)
	if err != nil {
		return wire.Hash{}, err
	}
	if err := nw.send(a, b, created); err != nil {
		return wire.Hash{}, err
	}
	id := fundingOutpoint(created).ChannelID()
	signed, err := b.fundingSigned(id)
	if err != nil {
		return wire.Hash{}, err
	}
	if err := nw.send(b, a, signed); err != nil {
		return wire.Hash{}, err
	}
	nw.log.Info("channel opened", "funder", a.name, "fundee", b.name, "channel", id, "funding_sat", fundingSat)
	return id, nil
}

// SendPayment pays amountMsat from one node to the other over their first
// open channel. Each side persists five monitor updates.
func (nw *Network) SendPayment(from, to *Node, amountMsat uint64) (wire.Hash, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if err := nw.members(from, to); err != nil {
		return wire.Hash{}, err
	}
	id, err := from.channelWith(to.PublicKey())
	if err != nil {
		return wire.Hash{}, err
	}
	hash, err := to.CreateInvoice()
	if err != nil {
		return wire.Hash{}, err
	}

	// Each round is one flight of messages; commits before and after it
	// persist what the sender built and what the receiver accepted.
	rounds := []struct {
		src, dst *Node
		build    []func() (wire.Message, error)
	}{
		{from, to, []func() (wire.Message, error){
			func() (wire.Message, error) { return from.offerHTLC(id, amountMsat, hash) },
			func() (wire.Message, error) { return from.signCommitment(id) },
		}},
		{to, from, []func() (wire.Message, error){
			func() (wire.Message, error) { return to.revokeAndAck(id) },
			func() (wire.Message, error) { return to.signCommitment(id) },
		}},
		{from, to, []func() (wire.Message, error){
			func() (wire.Message, error) { return from.revokeAndAck(id) },
		}},
		{to, from, []func() (wire.Message, error){
			func() (wire.Message, error) { return to.fulfillHTLC(id, hash) },
			func() (wire.Message, error) { return to.signCommitment(id) },
		}},
		{from, to, []func() (wire.Message, error){
			func() (wire.Message, error) { return from.revokeAndAck(id) },
			func() (wire.Message, error) { return from.signCommitment(id) },
		}},
		{to, from, []func() (wire.Message, error){
			func() (wire.Message, error) { return to.revokeAndAck(id) },
		}},
	}
	for _, r := range rounds {
		msgs := make([]wire.Message, 0, len(r.build))
		for _, build := range r.build {
			m, err := build()
			if err != nil {
				return wire.Hash{}, fmt.Errorf("%s: %w", r.src.name, err)
			}
			msgs = append(msgs, m)
		}
		if err := nw.exchange(r.src, r.dst, id, msgs...); err != nil {
			return wire.Hash{}, err
		}
	}
	nw.log.Info("payment settled", "from", from.name, "to", to.name, "amount_msat", amountMsat, "hash", hash)
	return hash, nil
}

// ForceClose closes a channel from one side and returns the broadcast
// commitment.
func (nw *Network) ForceClose(n *Node, id wire.Hash) (*Tx, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if err := nw.members(n); err != nil {
		return nil, err
	}
	return n.ForceClose(id)
}

// MineBlock wraps txs into the next block. It does not connect it.
func (nw *Network) MineBlock(txs ...*Tx) *Block {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.height++
	return &Block{Height: nw.height, Txs: txs}
}

// ConnectBlock delivers a block to one node.
func (nw *Network) ConnectBlock(n *Node, b *Block) ([]Event, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if err := nw.members(n); err != nil {
		return nil, err
	}
	return n.ConnectBlock(b)
}

// ConfirmBroadcasts mines everything n has broadcast into one block and
// connects it to every node.
func (nw *Network) ConfirmBroadcasts(n *Node) (*Block, error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if err := nw.members(n); err != nil {
		return nil, err
	}
	nw.height++
	b := &Block{Height: nw.height, Txs: n.broadcaster.Take()}
	var errs []error
	for _, node := range nw.sortedNodes() {
		if _, err := node.ConnectBlock(b); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", node.name, err))
		}
	}
	return b, errors.Join(errs...)
}

// CooperativeClose closes a channel by mutual agreement. No monitor update
// is persisted.
func (nw *Network) CooperativeClose(a, b *Node, id wire.Hash) error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if err := nw.members(a, b); err != nil {
		return err
	}
	steps := []struct {
		src, dst *Node
		build    func() (wire.Message, error)
	}{
		{a, b, func() (wire.Message, error) { return a.shutdown(id) }},
		{b, a, func() (wire.Message, error) { return b.shutdown(id) }},
		{a, b, func() (wire.Message, error) { return a.closingSigned(id) }},
		{b, a, func() (wire.Message, error) { return b.closingSigned(id) }},
	}
	for _, s := range steps {
		m, err := s.build()
		if err != nil {
			return fmt.Errorf("%s: %w", s.src.name, err)
		}
		if err := nw.send(s.src, s.dst, m); err != nil {
			return err
		}
	}
	nw.log.Info("channel closed", "channel", id, "initiator", a.name)
	return nil
}

// exchange persists src's queued steps, delivers msgs and persists what
// dst queued while handling them.
func (nw *Network) exchange(src, dst *Node, id wire.Hash, msgs ...wire.Message) error {
	if err := src.commit(id); err != nil {
		return err
	}
	if err := nw.send(src, dst, msgs...); err != nil {
		return err
	}
	return dst.commit(id)
}

// send serializes each message over the link between src and dst and
// hands what arrives to dst.
func (nw *Network) send(src, dst *Node, msgs ...wire.Message) error {
	l, err := nw.link(src, dst)
	if err != nil {
		return err
	}
	end := l.End(src.id)
	for _, m := range msgs {
		msg, err := l.Deliver(end, m)
		if err != nil {
			return fmt.Errorf("sending %s to %s: %w", m.Type(), dst.name, err)
		}
		if err := dst.handle(src.PublicKey(), msg); err != nil {
			return fmt.Errorf("%s handling %s from %s: %w", dst.name, msg.Type(), src.name, err)
		}
	}
	return nil
}

func (nw *Network) link(a, b *Node) (*transport.Link, error) {
	key := keyFor(a, b)
	if l, ok := nw.links[key]; ok {
		return l, nil
	}
	l, err := transport.NewLink(a.id, b.id)
	if err != nil {
		return nil, err
	}
	nw.links[key] = l
	return l, nil
}

func (nw *Network) members(nodes ...*Node) error {
	for _, n := range nodes {
		if cur, ok := nw.nodes[n.name]; !ok || cur != n {
			return fmt.Errorf("%w: %s", ErrUnknownNode, n.name)
		}
	}
	if len(nodes) == 2 && nodes[0] == nodes[1] {
		return fmt.Errorf("channel: %s is on both ends", nodes[0].name)
	}
	return nil
}

func fundingOutpoint(m *wire.FundingCreated) monitor.Outpoint {
	return monitor.Outpoint{TxID: m.FundingTxID, Index: uint16(m.FundingIndex)}
}
