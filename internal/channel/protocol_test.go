package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kvsync/internal/identity"
	"kvsync/internal/kvstore/memstore"
	"kvsync/internal/logging"
	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

func TestCommitmentSecretDerivation(t *testing.T) {
	seed := identity.Named("alice").PrivateKey.Seed()
	keys := wire.Hash{1}

	s0 := commitmentSecret(seed, keys, 0)
	require.Equal(t, s0, commitmentSecret(seed, keys, 0))
	require.NotEqual(t, s0, commitmentSecret(seed, keys, 1))
	require.NotEqual(t, s0, commitmentSecret(seed, wire.Hash{2}, 0))
	require.NotEqual(t, s0, commitmentSecret(identity.Named("bob").PrivateKey.Seed(), keys, 0))
	require.NotEqual(t, s0, commitmentPoint(s0))
}

// addAndSign delivers alice's add and commitment_signed to bob by hand.
func addAndSign(t *testing.T, p *pair, id wire.Hash) (*wire.UpdateAddHTLC, *wire.CommitmentSigned) {
	t.Helper()
	hash, err := p.bob.CreateInvoice()
	require.NoError(t, err)
	add, err := p.alice.offerHTLC(id, paymentMsat, hash)
	require.NoError(t, err)
	cs, err := p.alice.signCommitment(id)
	require.NoError(t, err)
	require.NoError(t, p.bob.handle(p.alice.PublicKey(), add))
	return add, cs
}

func TestRejectsForgedCommitment(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	id := p.open(t)
	_, cs := addAndSign(t, p, id)

	forged := *cs
	forged.Signature = wire.SignCommitment(wire.Commitment{ChannelID: id, Number: 1}, identity.Named("mallory").PrivateKey)
	require.ErrorIs(t, p.bob.handle(p.alice.PublicKey(), &forged), ErrProtocol)

	skipped := *cs
	skipped.CommitmentNumber = 2
	require.ErrorIs(t, p.bob.handle(p.alice.PublicKey(), &skipped), ErrProtocol)

	require.NoError(t, p.bob.handle(p.alice.PublicKey(), cs))
}

func TestRejectsBadRevocation(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	id := p.open(t)
	_, cs := addAndSign(t, p, id)
	require.NoError(t, p.bob.handle(p.alice.PublicKey(), cs))

	raa, err := p.bob.revokeAndAck(id)
	require.NoError(t, err)

	wrong := *raa
	wrong.PerCommitmentSecret = wire.Hash{7}
	require.ErrorIs(t, p.alice.handle(p.bob.PublicKey(), &wrong), ErrProtocol)

	early := *raa
	early.RevokedNumber = 1
	require.ErrorIs(t, p.alice.handle(p.bob.PublicKey(), &early), ErrProtocol)

	require.NoError(t, p.alice.handle(p.bob.PublicKey(), raa))
	// The same secret cannot be revealed twice.
	require.ErrorIs(t, p.alice.handle(p.bob.PublicKey(), raa), ErrProtocol)

	_, err = p.bob.revokeAndAck(id)
	require.ErrorIs(t, err, ErrProtocol, "nothing left to revoke")
}

func TestRejectsWrongPreimage(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	id := p.open(t)
	add, _ := addAndSign(t, p, id)

	bad := &wire.UpdateFulfillHTLC{ChannelID: id, ID: add.ID, PaymentPreimage: wire.Hash{3}}
	require.ErrorIs(t, p.alice.handle(p.bob.PublicKey(), bad), ErrProtocol)

	unknown := &wire.UpdateFulfillHTLC{ChannelID: id, ID: add.ID + 1}
	require.ErrorIs(t, p.alice.handle(p.bob.PublicKey(), unknown), ErrProtocol)

	_, err := p.bob.fulfillHTLC(id, wire.Hash{4})
	require.ErrorIs(t, err, ErrUnknownPayment)
}

func TestRejectsStranger(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	id := p.open(t)
	mallory := identity.Named("mallory")

	add := &wire.UpdateAddHTLC{ChannelID: id, AmountMsat: 1, PaymentHash: wire.Hash{1}}
	require.ErrorIs(t, p.bob.handle(mallory.PublicKey, add), ErrProtocol)

	open := &wire.OpenChannel{TemporaryID: "t", FundingSat: 1, FundingPubkey: p.alice.PublicKey()}
	require.ErrorIs(t, p.bob.handle(mallory.PublicKey, open), ErrProtocol)

	unknown := &wire.CommitmentSigned{ChannelID: wire.Hash{5}, CommitmentNumber: 1}
	require.ErrorIs(t, p.bob.handle(p.alice.PublicKey(), unknown), ErrUnknownChannel)
}

func TestRejectsOversizedHTLC(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	id := p.open(t)
	add := &wire.UpdateAddHTLC{ChannelID: id, AmountMsat: fundingSat*1000 + 1, PaymentHash: wire.Hash{1}}
	require.ErrorIs(t, p.bob.handle(p.alice.PublicKey(), add), ErrProtocol)

	add.AmountMsat = paymentMsat
	require.NoError(t, p.bob.handle(p.alice.PublicKey(), add))
	require.ErrorIs(t, p.bob.handle(p.alice.PublicKey(), add), ErrProtocol, "duplicate htlc id")
}

func TestOpenChannelDuplicateTemporaryID(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	open, err := p.alice.openChannel(p.bob.PublicKey(), fundingSat, 0)
	require.NoError(t, err)
	require.NoError(t, p.bob.handle(p.alice.PublicKey(), open))
	require.ErrorIs(t, p.bob.handle(p.alice.PublicKey(), open), ErrProtocol)

	_, err = p.alice.fundingCreated(open.TemporaryID)
	require.ErrorIs(t, err, ErrProtocol, "funding before accept")
}

func TestChainMonitorStaleBlock(t *testing.T) {
	c := NewChainMonitor(monitor.NewStorePersister(memstore.New()), logging.For("test"))
	_, err := c.ConnectBlock(&Block{Height: 2})
	require.NoError(t, err)
	_, err = c.ConnectBlock(&Block{Height: 2})
	require.ErrorIs(t, err, ErrStaleBlock)
	_, err = c.ConnectBlock(&Block{Height: 1})
	require.ErrorIs(t, err, ErrStaleBlock)
	require.Equal(t, uint32(2), c.BestBlock())
}

func TestChainMonitorUnknown(t *testing.T) {
	c := NewChainMonitor(monitor.NewStorePersister(memstore.New()), logging.For("test"))
	_, err := c.Update("nope", monitor.PaymentPreimage{})
	require.ErrorIs(t, err, ErrUnknownMonitor)
	_, err = c.ForceClose("nope", true)
	require.ErrorIs(t, err, ErrUnknownMonitor)
	_, ok := c.Monitor("nope")
	require.False(t, ok)
}

func TestChainMonitorWatchTwice(t *testing.T) {
	s := memstore.New()
	p := newPair(t, s, memstore.New())
	p.open(t)
	m := p.alice.ChainMonitor().Monitors()[0]
	require.Error(t, p.alice.ChainMonitor().Watch(m))
}

func TestChainMonitorRejectsInvalidStep(t *testing.T) {
	p := newPair(t, memstore.New(), memstore.New())
	p.open(t)
	key := stored(t, p.aStore).Key()

	_, err := p.alice.ChainMonitor().Update(key, monitor.LatestCounterpartyCommitment{Number: 5})
	require.ErrorIs(t, err, monitor.ErrBadStep)
	// A rejected update does not consume an id.
	u, err := p.alice.ChainMonitor().Update(key, monitor.PaymentPreimage{Preimage: wire.Hash{1}})
	require.NoError(t, err)
	require.Equal(t, uint64(1), u.UpdateID)
	require.Equal(t, uint64(1), stored(t, p.aStore).LatestUpdateID)
}

func TestTxIDCoversFields(t *testing.T) {
	a := &Tx{Kind: TxCommitment, Number: 1, Signatures: [][]byte{{1}}}
	b := &Tx{Kind: TxCommitment, Number: 1, Signatures: [][]byte{{2}}}
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, a.ID(), (&Tx{Kind: TxCommitment, Number: 1, Signatures: [][]byte{{1}}}).ID())
	require.Equal(t, "commitment", TxCommitment.String())
	require.Equal(t, "holder_force_closed", EventHolderForceClosed.String())
}
