package channel

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"kvsync/internal/identity"
	"kvsync/internal/kvstore/memstore"
	"kvsync/internal/monitor"
	"kvsync/pkg/wire"
)

func (p *pair) restartAlice(t *testing.T, persister monitor.Persister) *Node {
	t.Helper()
	n, err := RestoreNode("alice", identity.Named("alice"), persister)
	require.NoError(t, err)
	require.NoError(t, p.net.Replace(n))
	p.alice = n
	return n
}

func TestRestoreNodeResumesPayments(t *testing.T) {
	p := newPair(t, checkedStore(t), checkedStore(t))
	id := p.open(t)
	_, err := p.net.SendPayment(p.alice, p.bob, paymentMsat)
	require.NoError(t, err)
	before := p.alice.ChainMonitor().Monitors()

	restored := p.restartAlice(t, monitor.NewStorePersister(p.aStore))

	require.Empty(t, cmp.Diff(before, restored.ChainMonitor().Monitors()))
	require.Equal(t, []wire.Hash{id}, restored.Channels())
	local, remote, err := restored.Balance(id)
	require.NoError(t, err)
	require.Equal(t, uint64(fundingSat*1000-paymentMsat), local)
	require.Equal(t, uint64(paymentMsat), remote)

	_, err = p.net.SendPayment(p.bob, p.alice, paymentMsat/2)
	require.NoError(t, err)
	require.Equal(t, uint64(10), stored(t, p.aStore).LatestUpdateID)
	require.Equal(t, uint64(10), stored(t, p.bStore).LatestUpdateID)
}

func TestRestoreNodeClosedStaysClosed(t *testing.T) {
	p := newPair(t, checkedStore(t), checkedStore(t))
	id := p.open(t)
	_, err := p.net.ForceClose(p.alice, id)
	require.NoError(t, err)

	restored := p.restartAlice(t, monitor.NewStorePersister(p.aStore))
	require.Empty(t, restored.Channels())
	m, ok := restored.ChainMonitor().Monitor(stored(t, p.aStore).Key())
	require.True(t, ok)
	require.True(t, m.Closed)
	require.Equal(t, monitor.ClosedUpdateID, m.LatestUpdateID)

	_, err = restored.ChainMonitor().ForceClose(m.Key(), true)
	require.ErrorIs(t, err, monitor.ErrClosed)

	// A closed monitor still accepts closed-marker updates.
	_, err = restored.ChainMonitor().Update(m.Key(), monitor.PaymentPreimage{Preimage: wire.Hash{1}})
	require.NoError(t, err)
	require.Equal(t, monitor.ClosedUpdateID, stored(t, p.aStore).LatestUpdateID)
	require.True(t, stored(t, p.aStore).HasPreimage(wire.Hash{1}))
}

func TestRestoreNodeAfterCounterpartyClose(t *testing.T) {
	p := newPair(t, checkedStore(t), checkedStore(t))
	id := p.open(t)
	_, err := p.net.SendPayment(p.alice, p.bob, paymentMsat)
	require.NoError(t, err)

	// Alice restarts before Bob's commitment confirms.
	p.restartAlice(t, monitor.NewStorePersister(p.aStore))
	_, err = p.net.ForceClose(p.bob, id)
	require.NoError(t, err)
	_, err = p.net.ConfirmBroadcasts(p.bob)
	require.NoError(t, err)

	require.Empty(t, p.alice.Channels())
	require.True(t, stored(t, p.aStore).Closed)
	require.Contains(t, eventKinds(p.alice), EventCommitmentTxConfirmed)
}

func TestRestoreNodeUpdatingPersister(t *testing.T) {
	aStore, bStore := checkedStore(t), checkedStore(t)
	persister, err := monitor.NewUpdatingPersister(aStore, 4)
	require.NoError(t, err)

	p := &pair{
		net:    NewNetwork(),
		alice:  NewNode("alice", identity.Named("alice"), persister),
		bob:    NewNode("bob", identity.Named("bob"), monitor.NewStorePersister(bStore)),
		aStore: aStore,
		bStore: bStore,
	}
	require.NoError(t, p.net.Add(p.alice))
	require.NoError(t, p.net.Add(p.bob))
	t.Cleanup(func() { p.net.Close() })

	id := p.open(t)
	_, err = p.net.SendPayment(p.alice, p.bob, paymentMsat)
	require.NoError(t, err)

	// Update 4 was consolidated; update 5 is still a pending record.
	require.Equal(t, uint64(4), stored(t, aStore).LatestUpdateID)
	pending, err := persister.PendingUpdates(stored(t, aStore).Key())
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	restored := p.restartAlice(t, persister)
	m, ok := restored.ChainMonitor().Monitor(stored(t, aStore).Key())
	require.True(t, ok)
	require.Equal(t, uint64(5), m.LatestUpdateID)

	_, err = p.net.SendPayment(p.alice, p.bob, paymentMsat)
	require.NoError(t, err)
	m, _ = restored.ChainMonitor().Monitor(m.Key())
	require.Equal(t, uint64(10), m.LatestUpdateID)

	_, err = p.net.ForceClose(p.alice, id)
	require.NoError(t, err)
	require.Equal(t, monitor.ClosedUpdateID, stored(t, aStore).LatestUpdateID)
	pending, err = persister.PendingUpdates(m.Key())
	require.NoError(t, err)
	require.Zero(t, pending)
}

func TestRestoreNodeMidUpdateIsFrozen(t *testing.T) {
	s := memstore.New()
	p := newPair(t, s, memstore.New())
	id := p.open(t)
	hash, err := p.bob.CreateInvoice()
	require.NoError(t, err)

	// Alice persists her half of the first round and crashes.
	_, err = p.alice.offerHTLC(id, paymentMsat, hash)
	require.NoError(t, err)
	_, err = p.alice.signCommitment(id)
	require.NoError(t, err)
	require.NoError(t, p.alice.commit(id))

	restored := p.restartAlice(t, monitor.NewStorePersister(s))
	require.Len(t, restored.Channels(), 1)
	_, err = p.net.SendPayment(p.alice, p.bob, paymentMsat)
	require.ErrorIs(t, err, ErrUnknownChannel)

	// Force close still works from the persisted state.
	tx, err := p.net.ForceClose(p.alice, id)
	require.NoError(t, err)
	require.Equal(t, uint64(0), tx.Number)
}
