package channel

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"kvsync/internal/identity"
	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

// Outgoing messages are built by the methods below; incoming ones are
// applied by handle. Neither touches the store: changes that must be
// durable queue steps on the channel until commit.

func (n *Node) openChannel(peer ed25519.PublicKey, fundingSat, pushMsat uint64) (*wire.OpenChannel, error) {
	if fundingSat == 0 || fundingSat > math.MaxUint64/1000 {
		return nil, fmt.Errorf("%w: funding of %d sat", ErrProtocol, fundingSat)
	}
	if pushMsat > fundingSat*1000 {
		return nil, fmt.Errorf("%w: push %d msat exceeds funding", ErrInsufficientFunds, pushMsat)
	}
	keysID, err := randomHash()
	if err != nil {
		return nil, fmt.Errorf("generating keys id: %w", err)
	}
	ch := &Channel{
		tempID:     uuid.NewString(),
		peer:       slices.Clone(peer),
		funder:     true,
		fundingSat: fundingSat,
		keysID:     keysID,
		localMsat:  fundingSat*1000 - pushMsat,
		remoteMsat: pushMsat,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.opening[ch.tempID] = ch
	return &wire.OpenChannel{
		TemporaryID:   ch.tempID,
		FundingSat:    fundingSat,
		PushMsat:      pushMsat,
		FundingPubkey: n.id.PublicKey,
		FirstPoint:    n.point(ch, 0),
		SecondPoint:   n.point(ch, 1),
	}, nil
}

func (n *Node) acceptChannel(tempID string) (*wire.AcceptChannel, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.opening[tempID]
	if !ok || ch.funder {
		return nil, fmt.Errorf("%w: no inbound channel %s", ErrUnknownChannel, tempID)
	}
	return &wire.AcceptChannel{
		TemporaryID:   tempID,
		FundingPubkey: n.id.PublicKey,
		FirstPoint:    n.point(ch, 0),
		SecondPoint:   n.point(ch, 1),
	}, nil
}

// fundingCreated builds the funding transaction and signs the fundee's
// first commitment.
func (n *Node) fundingCreated(tempID string) (*wire.FundingCreated, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.opening[tempID]
	if !ok || !ch.funder || len(ch.cpPoints) != 2 {
		return nil, fmt.Errorf("%w: channel %s not accepted", ErrProtocol, tempID)
	}
	ch.fundingTx = &Tx{Kind: TxFunding, Nonce: tempID, FundingSat: ch.fundingSat}
	ch.funding = monitor.Outpoint{TxID: ch.fundingTx.ID()}
	ch.id = ch.funding.ChannelID()
	sig := wire.SignCommitment(ch.commitment(false, 0, ch.cpPoints[0]), n.id.PrivateKey)
	return &wire.FundingCreated{
		TemporaryID:  tempID,
		FundingTxID:  ch.funding.TxID,
		FundingIndex: uint32(ch.funding.Index),
		Signature:    sig,
	}, nil
}

func (n *Node) fundingSigned(id wire.Hash) (*wire.FundingSigned, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.usable(id, nil)
	if err != nil {
		return nil, err
	}
	if ch.funder || ch.cpNum != 0 {
		return nil, fmt.Errorf("%w: channel %s already funded", ErrProtocol, ch.key())
	}
	sig := wire.SignCommitment(ch.commitment(false, 0, ch.cpPoints[0]), n.id.PrivateKey)
	return &wire.FundingSigned{ChannelID: id, Signature: sig}, nil
}

func (n *Node) offerHTLC(id wire.Hash, amountMsat uint64, hash wire.Hash) (*wire.UpdateAddHTLC, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.usable(id, nil)
	if err != nil {
		return nil, err
	}
	if amountMsat == 0 || amountMsat > ch.localMsat {
		return nil, fmt.Errorf("%w: %d msat offered, %d available", ErrInsufficientFunds, amountMsat, ch.localMsat)
	}
	h := htlc{id: ch.nextHTLCID, amountMsat: amountMsat, hash: hash, offered: true}
	ch.nextHTLCID++
	ch.localMsat -= amountMsat
	ch.htlcs = append(ch.htlcs, h)
	return &wire.UpdateAddHTLC{ChannelID: id, ID: h.id, AmountMsat: amountMsat, PaymentHash: hash}, nil
}

// signCommitment signs the counterparty's next commitment over the
// current channel state.
func (n *Node) signCommitment(id wire.Hash) (*wire.CommitmentSigned, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.usable(id, nil)
	if err != nil {
		return nil, err
	}
	num := ch.cpNum + 1
	if num >= uint64(len(ch.cpPoints)) {
		return nil, fmt.Errorf("%w: no point for counterparty commitment %d", ErrProtocol, num)
	}
	sig := wire.SignCommitment(ch.commitment(false, num, ch.cpPoints[num]), n.id.PrivateKey)
	ch.cpNum = num
	ch.pending = append(ch.pending, monitor.LatestCounterpartyCommitment{Number: num})
	return &wire.CommitmentSigned{ChannelID: id, CommitmentNumber: num, Signature: sig}, nil
}

// revokeAndAck revokes the holder commitment replaced by the last
// commitment_signed.
func (n *Node) revokeAndAck(id wire.Hash) (*wire.RevokeAndAck, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.usable(id, nil)
	if err != nil {
		return nil, err
	}
	if !ch.needsRevoke {
		return nil, fmt.Errorf("%w: nothing to revoke on %s", ErrProtocol, ch.key())
	}
	ch.needsRevoke = false
	revoked := ch.holderNum - 1
	return &wire.RevokeAndAck{
		ChannelID:           id,
		RevokedNumber:       revoked,
		PerCommitmentSecret: n.secret(ch, revoked),
		NextPoint:           n.point(ch, ch.holderNum+1),
	}, nil
}

// fulfillHTLC settles the received HTLC locked to hash with the invoice's
// preimage.
func (n *Node) fulfillHTLC(id wire.Hash, hash wire.Hash) (*wire.UpdateFulfillHTLC, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.usable(id, nil)
	if err != nil {
		return nil, err
	}
	i := ch.findHTLC(func(h htlc) bool { return !h.offered && h.hash == hash })
	preimage, known := n.invoices[hash]
	if i < 0 || !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPayment, hash)
	}
	h := ch.htlcs[i]
	ch.htlcs = slices.Delete(ch.htlcs, i, i+1)
	ch.localMsat += h.amountMsat
	ch.pending = append(ch.pending, monitor.PaymentPreimage{Preimage: preimage})
	delete(n.invoices, hash)
	n.emit(Event{Kind: EventPaymentReceived, ChannelID: id, AmountMsat: h.amountMsat, PaymentHash: hash})
	return &wire.UpdateFulfillHTLC{ChannelID: id, ID: h.id, PaymentPreimage: preimage}, nil
}

func (n *Node) shutdown(id wire.Hash) (*wire.Shutdown, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.closable(id, nil)
	if err != nil {
		return nil, err
	}
	ch.localShutdown = true
	ch.state = stateShuttingDown
	return &wire.Shutdown{ChannelID: id}, nil
}

// closingSigned signs the final balances once both sides sent shutdown.
func (n *Node) closingSigned(id wire.Hash) (*wire.ClosingSigned, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, err := n.channel(id, nil)
	if err != nil {
		return nil, err
	}
	if !ch.localShutdown || !ch.remoteShutdown {
		return nil, fmt.Errorf("%w: channel %s is not shutting down", ErrProtocol, ch.key())
	}
	funder, fundee := ch.closingBalances()
	ch.closingSig = n.id.Sign(wire.ClosingSignData(id, funder, fundee))
	if ch.remoteClosingSig != nil {
		n.finishClose(ch)
	}
	return &wire.ClosingSigned{ChannelID: id, Signature: ch.closingSig}, nil
}

// handle applies a message received from peer.
func (n *Node) handle(peer ed25519.PublicKey, msg wire.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch m := msg.(type) {
	case *wire.OpenChannel:
		return n.onOpenChannel(peer, m)
	case *wire.AcceptChannel:
		return n.onAcceptChannel(peer, m)
	case *wire.FundingCreated:
		return n.onFundingCreated(peer, m)
	case *wire.FundingSigned:
		return n.onFundingSigned(peer, m)
	case *wire.UpdateAddHTLC:
		return n.onUpdateAddHTLC(peer, m)
	case *wire.CommitmentSigned:
		return n.onCommitmentSigned(peer, m)
	case *wire.RevokeAndAck:
		return n.onRevokeAndAck(peer, m)
	case *wire.UpdateFulfillHTLC:
		return n.onUpdateFulfillHTLC(peer, m)
	case *wire.Shutdown:
		return n.onShutdown(peer, m)
	case *wire.ClosingSigned:
		return n.onClosingSigned(peer, m)
	}
	return fmt.Errorf("%w: unexpected %s", ErrProtocol, msg.Type())
}

func (n *Node) onOpenChannel(peer ed25519.PublicKey, m *wire.OpenChannel) error {
	if !bytes.Equal(m.FundingPubkey, peer) {
		return fmt.Errorf("%w: funding key is not the peer's", ErrProtocol)
	}
	if m.FundingSat == 0 || m.FundingSat > math.MaxUint64/1000 || m.PushMsat > m.FundingSat*1000 {
		return fmt.Errorf("%w: funding %d sat, push %d msat", ErrProtocol, m.FundingSat, m.PushMsat)
	}
	if _, dup := n.opening[m.TemporaryID]; dup {
		return fmt.Errorf("%w: duplicate temporary id %s", ErrProtocol, m.TemporaryID)
	}
	keysID, err := randomHash()
	if err != nil {
		return fmt.Errorf("generating keys id: %w", err)
	}
	n.opening[m.TemporaryID] = &Channel{
		tempID:     m.TemporaryID,
		peer:       slices.Clone(peer),
		fundingSat: m.FundingSat,
		keysID:     keysID,
		localMsat:  m.PushMsat,
		remoteMsat: m.FundingSat*1000 - m.PushMsat,
		cpPoints:   []wire.Hash{m.FirstPoint, m.SecondPoint},
	}
	return nil
}

func (n *Node) onAcceptChannel(peer ed25519.PublicKey, m *wire.AcceptChannel) error {
	ch, ok := n.opening[m.TemporaryID]
	if !ok || !ch.funder || !bytes.Equal(ch.peer, peer) || !bytes.Equal(m.FundingPubkey, peer) {
		return fmt.Errorf("%w: unexpected accept for %s", ErrProtocol, m.TemporaryID)
	}
	ch.cpPoints = []wire.Hash{m.FirstPoint, m.SecondPoint}
	return nil
}

// onFundingCreated verifies the funder's signature on the first holder
// commitment and persists the fundee's monitor.
func (n *Node) onFundingCreated(peer ed25519.PublicKey, m *wire.FundingCreated) error {
	ch, ok := n.opening[m.TemporaryID]
	if !ok || ch.funder || !bytes.Equal(ch.peer, peer) {
		return fmt.Errorf("%w: unexpected funding for %s", ErrProtocol, m.TemporaryID)
	}
	if m.FundingIndex > math.MaxUint16 {
		return fmt.Errorf("%w: funding index %d", ErrProtocol, m.FundingIndex)
	}
	ch.funding = monitor.Outpoint{TxID: m.FundingTxID, Index: uint16(m.FundingIndex)}
	ch.id = ch.funding.ChannelID()
	if _, dup := n.channels[ch.id]; dup {
		return fmt.Errorf("%w: channel %s exists", ErrProtocol, ch.key())
	}
	if !wire.VerifyCommitment(ch.commitment(true, 0, n.point(ch, 0)), ch.peer, m.Signature) {
		return fmt.Errorf("%w: bad signature on first commitment of %s", ErrProtocol, ch.key())
	}
	ch.holderSig = slices.Clone(m.Signature)
	return n.ready(ch)
}

func (n *Node) onFundingSigned(peer ed25519.PublicKey, m *wire.FundingSigned) error {
	var ch *Channel
	for _, c := range n.opening {
		if c.funder && c.fundingTx != nil && c.id == m.ChannelID {
			ch = c
		}
	}
	if ch == nil || !bytes.Equal(ch.peer, peer) {
		return fmt.Errorf("%w: unexpected funding_signed for %s", ErrUnknownChannel, m.ChannelID)
	}
	if !wire.VerifyCommitment(ch.commitment(true, 0, n.point(ch, 0)), ch.peer, m.Signature) {
		return fmt.Errorf("%w: bad signature on first commitment of %s", ErrProtocol, ch.key())
	}
	ch.holderSig = slices.Clone(m.Signature)
	if err := n.ready(ch); err != nil {
		return err
	}
	n.broadcaster.Broadcast(ch.fundingTx)
	return nil
}

// ready persists the channel's first monitor and makes it live.
func (n *Node) ready(ch *Channel) error {
	if err := n.chain.Watch(ch.newMonitor()); err != nil {
		return err
	}
	delete(n.opening, ch.tempID)
	ch.state = stateOpen
	n.channels[ch.id] = ch
	n.emit(Event{Kind: EventChannelReady, ChannelID: ch.id})
	return nil
}

func (n *Node) onUpdateAddHTLC(peer ed25519.PublicKey, m *wire.UpdateAddHTLC) error {
	ch, err := n.usable(m.ChannelID, peer)
	if err != nil {
		return err
	}
	if m.AmountMsat == 0 || m.AmountMsat > ch.remoteMsat {
		return fmt.Errorf("%w: peer offered %d msat, has %d", ErrProtocol, m.AmountMsat, ch.remoteMsat)
	}
	if ch.findHTLC(func(h htlc) bool { return !h.offered && h.id == m.ID }) >= 0 {
		return fmt.Errorf("%w: duplicate htlc %d", ErrProtocol, m.ID)
	}
	ch.remoteMsat -= m.AmountMsat
	ch.htlcs = append(ch.htlcs, htlc{id: m.ID, amountMsat: m.AmountMsat, hash: m.PaymentHash})
	return nil
}

func (n *Node) onCommitmentSigned(peer ed25519.PublicKey, m *wire.CommitmentSigned) error {
	ch, err := n.usable(m.ChannelID, peer)
	if err != nil {
		return err
	}
	if m.CommitmentNumber != ch.holderNum+1 {
		return fmt.Errorf("%w: commitment %d after %d", ErrProtocol, m.CommitmentNumber, ch.holderNum)
	}
	c := ch.commitment(true, m.CommitmentNumber, n.point(ch, m.CommitmentNumber))
	if !wire.VerifyCommitment(c, ch.peer, m.Signature) {
		return fmt.Errorf("%w: bad signature on commitment %d of %s", ErrProtocol, c.Number, ch.key())
	}
	ch.holderNum = c.Number
	ch.holderSig = slices.Clone(m.Signature)
	ch.needsRevoke = true
	ch.pending = append(ch.pending, monitor.LatestHolderCommitment{HolderCommitment: monitor.HolderCommitment{
		Number:       c.Number,
		ToLocalMsat:  c.ToLocalMsat,
		ToRemoteMsat: c.ToRemoteMsat,
		HTLCMsat:     c.HTLCMsat,
		Signature:    slices.Clone(m.Signature),
	}})
	return nil
}

// onRevokeAndAck checks the revealed secret against the point the peer
// sent for that commitment.
func (n *Node) onRevokeAndAck(peer ed25519.PublicKey, m *wire.RevokeAndAck) error {
	ch, err := n.usable(m.ChannelID, peer)
	if err != nil {
		return err
	}
	num := m.RevokedNumber
	if num != ch.cpRevoked || num >= ch.cpNum {
		return fmt.Errorf("%w: revocation of %d, expected %d", ErrProtocol, num, ch.cpRevoked)
	}
	if commitmentPoint(m.PerCommitmentSecret) != ch.cpPoints[num] {
		return fmt.Errorf("%w: secret %d does not match its point", ErrProtocol, num)
	}
	if uint64(len(ch.cpPoints)) != num+2 {
		return fmt.Errorf("%w: next point out of sequence", ErrProtocol)
	}
	ch.cpRevoked++
	ch.cpPoints = append(ch.cpPoints, m.NextPoint)
	ch.pending = append(ch.pending, monitor.CommitmentSecret{
		Number:    num,
		Secret:    m.PerCommitmentSecret,
		NextPoint: m.NextPoint,
	})
	return nil
}

func (n *Node) onUpdateFulfillHTLC(peer ed25519.PublicKey, m *wire.UpdateFulfillHTLC) error {
	ch, err := n.usable(m.ChannelID, peer)
	if err != nil {
		return err
	}
	i := ch.findHTLC(func(h htlc) bool { return h.offered && h.id == m.ID })
	if i < 0 {
		return fmt.Errorf("%w: fulfill of unknown htlc %d", ErrProtocol, m.ID)
	}
	h := ch.htlcs[i]
	if commitmentPoint(m.PaymentPreimage) != h.hash {
		return fmt.Errorf("%w: preimage does not match htlc %d", ErrProtocol, m.ID)
	}
	ch.htlcs = slices.Delete(ch.htlcs, i, i+1)
	ch.remoteMsat += h.amountMsat
	ch.pending = append(ch.pending, monitor.PaymentPreimage{Preimage: m.PaymentPreimage})
	n.emit(Event{Kind: EventPaymentSent, ChannelID: ch.id, AmountMsat: h.amountMsat, PaymentHash: h.hash})
	return nil
}

func (n *Node) onShutdown(peer ed25519.PublicKey, m *wire.Shutdown) error {
	ch, err := n.closable(m.ChannelID, peer)
	if err != nil {
		return err
	}
	ch.remoteShutdown = true
	ch.state = stateShuttingDown
	return nil
}

func (n *Node) onClosingSigned(peer ed25519.PublicKey, m *wire.ClosingSigned) error {
	ch, err := n.channel(m.ChannelID, peer)
	if err != nil {
		return err
	}
	if !ch.localShutdown || !ch.remoteShutdown {
		return fmt.Errorf("%w: closing_signed before shutdown on %s", ErrProtocol, ch.key())
	}
	funder, fundee := ch.closingBalances()
	if !identity.Verify(ch.peer, wire.ClosingSignData(ch.id, funder, fundee), m.Signature) {
		return fmt.Errorf("%w: bad closing signature on %s", ErrProtocol, ch.key())
	}
	ch.remoteClosingSig = slices.Clone(m.Signature)
	if ch.closingSig != nil {
		n.finishClose(ch)
	}
	return nil
}

// closable returns a channel that may start or continue a cooperative
// close: no HTLC may be in flight.
func (n *Node) closable(id wire.Hash, peer ed25519.PublicKey) (*Channel, error) {
	ch, err := n.channel(id, peer)
	if err != nil {
		return nil, err
	}
	if ch.state != stateOpen && ch.state != stateShuttingDown {
		return nil, fmt.Errorf("%w: channel %s is %s", ErrProtocol, ch.key(), ch.state)
	}
	if len(ch.htlcs) > 0 || ch.needsRevoke || len(ch.pending) > 0 {
		return nil, fmt.Errorf("%w: channel %s has updates in flight", ErrProtocol, ch.key())
	}
	return ch, nil
}

// finishClose drops a cooperatively closed channel. The funder publishes
// the closing transaction. The monitor is left as it is.
func (n *Node) finishClose(ch *Channel) {
	delete(n.channels, ch.id)
	if ch.funder {
		funder, fundee := ch.closingBalances()
		n.broadcaster.Broadcast(&Tx{
			Kind:         TxClosing,
			Spends:       ch.funding,
			FundingSat:   ch.fundingSat,
			ToLocalMsat:  funder,
			ToRemoteMsat: fundee,
			Signatures:   [][]byte{ch.closingSig, ch.remoteClosingSig},
		})
	}
	n.log.Info("channel closed cooperatively", "channel", ch.key())
	n.emit(Event{Kind: EventChannelClosed, ChannelID: ch.id})
}
