package replay

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnect/internal/domain"
	"konnect/internal/engine"
	"konnect/internal/event"
	"konnect/internal/ledger"
	"konnect/internal/storage"
	"konnect/pkg/quant"
)

// wal writes committed commands the way the sequencer does, without the
// goroutine around it.
type wal struct {
	t     *testing.T
	store *storage.EventStore
	eng   *engine.Engine
	seq   uint64
}

func newWAL(t *testing.T) *wal {
	t.Helper()
	store, err := storage.NewEventStore(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &wal{t: t, store: store, eng: engine.NewEngine(nil)}
}

func (w *wal) apply(caller domain.Identity, ev event.Event) *event.Receipt {
	w.t.Helper()
	ev.Base().Caller = caller
	ev.Stamp(w.seq+1, quant.TimeStamp(1_700_000_000_000+w.seq))
	r, err := w.eng.Execute(ev, func(e event.Event) error {
		return w.store.SaveEvent(context.Background(), e)
	})
	require.NoError(w.t, err)
	w.seq++
	return r
}

// populate runs a small marketplace: one purchase, one released and one
// holding service order.
func (w *wal) populate() {
	mp := w.apply("authority", &event.InitMarketplaceEvent{FeeBps: 250}).Account
	merchant := w.apply("seller", &event.RegisterMerchantEvent{Marketplace: mp}).Account
	goods := w.apply("seller", &event.CreateListingEvent{Merchant: merchant, Asset: "desk", Price: quant.Units(40), Quantity: 3}).Account
	svc := w.apply("seller", &event.CreateListingEvent{Merchant: merchant, Asset: "repair", Price: quant.Units(25), IsService: true}).Account
	w.apply("alice", &event.DepositEvent{Amount: quant.Units(500)})
	w.apply("bob", &event.DepositEvent{Amount: quant.Units(100)})
	w.apply("alice", &event.BuyNowEvent{Listing: goods, Quantity: 2, ReferenceKey: "po-1"})
	esc := w.apply("alice", &event.CreateServiceOrderEvent{Listing: svc}).Account
	w.apply("alice", &event.ReleaseServiceOrderEvent{Escrow: esc})
	w.apply("bob", &event.CreateServiceOrderEvent{Listing: svc, ReferenceKey: "po-2"})
}

func TestReplayer_FullWAL(t *testing.T) {
	w := newWAL(t)
	w.populate()

	var receipts []*event.Receipt
	rep, err := NewReplayer(w.store, nil).Run(context.Background(), Options{
		OnReceipt: func(r *event.Receipt) { receipts = append(receipts, r) },
	})
	require.NoError(t, err)

	assert.Equal(t, 10, rep.Events)
	assert.Equal(t, uint64(10), rep.LastSeq)
	assert.Equal(t, 2, rep.ByKind["deposit"])
	assert.Equal(t, 2, rep.ByKind["createServiceOrder"])
	assert.Equal(t, quant.Units(600), rep.Deposited)
	assert.Equal(t, rep.Deposited, rep.Supply)
	assert.Equal(t, 1, rep.HoldingEscrows)
	assert.Equal(t, quant.Units(25), rep.EscrowedValue)
	assert.Equal(t, w.eng.State().Export(), rep.State.Export())

	require.Len(t, receipts, 10)
	assert.Equal(t, "po-1", receipts[6].ReferenceKey)
	assert.Equal(t, "po-2", receipts[9].ReferenceKey)
}

func TestReplayer_Until(t *testing.T) {
	w := newWAL(t)
	w.populate()

	rep, err := NewReplayer(w.store, nil).Run(context.Background(), Options{Until: 6})
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Events)
	assert.Zero(t, rep.HoldingEscrows)
	assert.Equal(t, quant.Units(600), rep.Supply)
}

func TestReplayer_SnapshotComparison(t *testing.T) {
	w := newWAL(t)
	snaps := storage.NewSnapshotManager(filepath.Join(t.TempDir(), "snapshots"))
	w.apply("alice", &event.DepositEvent{Amount: quant.Units(1)})
	w.apply("bob", &event.DepositEvent{Amount: quant.Units(2)})

	snap, err := storage.CreateSnapshot(2, w.eng.State())
	require.NoError(t, err)
	require.NoError(t, snaps.Save(snap))
	w.apply("bob", &event.DepositEvent{Amount: quant.Units(3)})

	rep, err := NewReplayer(w.store, snaps).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rep.SnapshotSeq)
	assert.True(t, rep.SnapshotMatches)

	// A snapshot claiming seq 3 but holding seq 2's ledger.
	stale, err := ledger.Restore(snap.Ledger)
	require.NoError(t, err)
	bad, err := storage.CreateSnapshot(3, stale)
	require.NoError(t, err)
	require.NoError(t, snaps.Save(bad))

	rep, err = NewReplayer(w.store, snaps).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rep.SnapshotSeq)
	assert.False(t, rep.SnapshotMatches)
}

func TestReplayer_DivergedWAL(t *testing.T) {
	w := newWAL(t)
	w.apply("alice", &event.DepositEvent{Amount: quant.Units(1)})

	// Written behind the engine's back; the fee is over the cap.
	bogus := &event.InitMarketplaceEvent{FeeBps: 5000}
	bogus.Caller = "mallory"
	bogus.Stamp(2, 1)
	require.NoError(t, w.store.SaveEvent(context.Background(), bogus))

	_, err := NewReplayer(w.store, nil).Run(context.Background(), Options{})
	require.ErrorIs(t, err, domain.ErrFeeTooHigh)
}

func TestReplayer_EmptyWAL(t *testing.T) {
	w := newWAL(t)
	rep, err := NewReplayer(w.store, nil).Run(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, rep.Events)
	assert.Zero(t, rep.Supply)
}
