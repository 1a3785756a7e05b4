package engine

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnect/internal/auth"
	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/infra"
	"konnect/internal/storage"
	"konnect/pkg/quant"
)

type harness struct {
	seq    *Sequencer
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	receipts []*event.Receipt
}

func startSequencer(t *testing.T, cfg SequencerConfig, store *storage.EventStore, snaps *storage.SnapshotManager) *harness {
	t.Helper()
	h := &harness{done: make(chan struct{})}
	h.seq = NewSequencer(cfg, store, snaps, func(r *event.Receipt) {
		h.mu.Lock()
		h.receipts = append(h.receipts, r)
		h.mu.Unlock()
	})
	h.seq.SetMetrics(infra.NewMetrics())
	require.NoError(t, h.seq.Recover(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.seq.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) committed() []*event.Receipt {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*event.Receipt(nil), h.receipts...)
}

// scenario runs the marketplace lifecycle used throughout the tests and
// returns the escrow it leaves Holding.
func scenario(t *testing.T, s *Sequencer) domain.Address {
	t.Helper()
	ctx := context.Background()
	submit := func(ev event.Event) *event.Receipt {
		r, err := s.Submit(ctx, ev)
		require.NoError(t, err)
		return r
	}

	mp := submit(&event.InitMarketplaceEvent{BaseEvent: as(authority), FeeBps: 300}).Account
	merchant := submit(&event.RegisterMerchantEvent{BaseEvent: as(seller), Marketplace: mp}).Account
	goods := submit(&event.CreateListingEvent{BaseEvent: as(seller), Merchant: merchant, Asset: "textbook", Price: quant.Units(100), Quantity: 15}).Account
	service := submit(&event.CreateListingEvent{BaseEvent: as(seller), Merchant: merchant, Asset: "tutoring", Price: quant.Units(200), IsService: true}).Account
	submit(&event.DepositEvent{BaseEvent: as(buyer), Amount: quant.Units(1000)})
	submit(&event.DepositEvent{BaseEvent: as(stranger), Amount: quant.Units(300)})
	submit(&event.BuyNowEvent{BaseEvent: as(buyer), Listing: goods, Quantity: 2, ReferenceKey: "ord-1"})
	released := submit(&event.CreateServiceOrderEvent{BaseEvent: as(buyer), Listing: service}).Account
	submit(&event.ReleaseServiceOrderEvent{BaseEvent: as(buyer), Escrow: released})
	return submit(&event.CreateServiceOrderEvent{BaseEvent: as(stranger), Listing: service, ReferenceKey: "ord-2"}).Account
}

func TestSequencer_SubmitInMemory(t *testing.T) {
	h := startSequencer(t, SequencerConfig{InboxSize: 8}, nil, nil)
	holding := scenario(t, h.seq)

	assert.Equal(t, uint64(11), h.seq.GetNextSeq())
	// 194 from the purchase, 194 from the released service order.
	assert.Equal(t, quant.Units(388), h.seq.Balance(domain.WalletAddress(seller)))
	e, ok := h.seq.Escrow(holding)
	require.True(t, ok)
	assert.Equal(t, domain.EscrowHolding, e.Status)

	receipts := h.committed()
	require.Len(t, receipts, 10)
	for i, r := range receipts {
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.True(t, r.Committed())
	}
	assert.Equal(t, "ord-1", receipts[6].ReferenceKey)
}

func TestSequencer_RejectionDoesNotConsumeSeq(t *testing.T) {
	h := startSequencer(t, SequencerConfig{InboxSize: 1}, nil, nil)
	ctx := context.Background()

	r, err := h.seq.Submit(ctx, &event.InitMarketplaceEvent{BaseEvent: as(authority), FeeBps: 1001})
	require.ErrorIs(t, err, domain.ErrFeeTooHigh)
	assert.Equal(t, "FeeTooHigh", r.Code)
	assert.Equal(t, uint64(1), h.seq.GetNextSeq())

	r, err = h.seq.Submit(ctx, &event.InitMarketplaceEvent{BaseEvent: as(authority), FeeBps: 1000})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Seq)
	assert.Len(t, h.committed(), 1, "rejections are not broadcast")
}

func TestSequencer_WALReplay(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wal.db")
	store, err := storage.NewEventStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	h := startSequencer(t, SequencerConfig{InboxSize: 4}, store, nil)
	scenario(t, h.seq)
	// Rejected commands never reach the WAL.
	_, err = h.seq.Submit(context.Background(), &event.DepositEvent{BaseEvent: as(buyer)})
	require.Error(t, err)
	h.stop()

	want := h.seq.Export()
	lastSeq, err := store.GetLastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), lastSeq)

	replayed := NewSequencer(SequencerConfig{}, store, nil, nil)
	require.NoError(t, replayed.Recover(context.Background()))
	assert.Equal(t, want, replayed.Export())
	assert.Equal(t, h.seq.GetNextSeq(), replayed.GetNextSeq())
}

func TestSequencer_SnapshotPlusTail(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewEventStore(filepath.Join(dir, "wal.db"))
	require.NoError(t, err)
	defer store.Close()
	snaps := storage.NewSnapshotManager(filepath.Join(dir, "snapshots"))

	h := startSequencer(t, SequencerConfig{InboxSize: 4, SnapshotEvery: 3, SnapshotKeep: 2}, store, snaps)
	scenario(t, h.seq)
	h.stop()

	snap, err := snaps.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, uint64(9), snap.Seq)

	v, err := store.GetMetadata(context.Background(), metaLastSnapshotSeq)
	require.NoError(t, err)
	assert.Equal(t, "9", v)

	recovered := NewSequencer(SequencerConfig{}, store, snaps, nil)
	require.NoError(t, recovered.Recover(context.Background()))
	assert.Equal(t, h.seq.Export(), recovered.Export())
	assert.Equal(t, uint64(11), recovered.GetNextSeq())
}

func TestSequencer_StoreFailureRollsBack(t *testing.T) {
	store, err := storage.NewEventStore(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)

	h := startSequencer(t, SequencerConfig{InboxSize: 1}, store, nil)
	h.seq.SetBreaker(infra.NewCircuitBreaker(infra.CircuitBreakerConfig{
		Name: "wal", FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour,
	}))
	ctx := context.Background()

	_, err = h.seq.Submit(ctx, &event.DepositEvent{BaseEvent: as(buyer), Amount: 10})
	require.NoError(t, err)

	require.NoError(t, store.Close())
	for i := 0; i < 3; i++ {
		r, err := h.seq.Submit(ctx, &event.DepositEvent{BaseEvent: as(buyer), Amount: 10})
		require.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.Equal(t, "StoreUnavailable", r.Code)
	}

	assert.Equal(t, quant.Amount(10), h.seq.Balance(domain.WalletAddress(buyer)))
	assert.Equal(t, uint64(2), h.seq.GetNextSeq())
}

func TestSequencer_SubmitSigned(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	id := auth.Identity(priv.Public().(ed25519.PublicKey))
	h := startSequencer(t, SequencerConfig{InboxSize: 1, Minters: []domain.Identity{id}}, nil, nil)

	env, err := auth.Sign(priv, &event.DepositEvent{Amount: quant.Units(3)})
	require.NoError(t, err)
	r, err := h.seq.SubmitSigned(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, id, r.Caller)
	assert.Equal(t, quant.Units(3), h.seq.Balance(domain.WalletAddress(id)))

	env, err = auth.Sign(priv, &event.DepositEvent{Amount: quant.Units(3)})
	require.NoError(t, err)
	env.Command = []byte(`{"amount":"3000000000"}`)
	_, err = h.seq.SubmitSigned(context.Background(), env)
	require.ErrorIs(t, err, domain.ErrBadSignature)
	assert.Equal(t, quant.Units(3), h.seq.Balance(domain.WalletAddress(id)))
}

func TestSequencer_SignedDepositRequiresMinter(t *testing.T) {
	_, minter, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, stranger, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	minterID := auth.Identity(minter.Public().(ed25519.PublicKey))
	strangerID := auth.Identity(stranger.Public().(ed25519.PublicKey))

	h := startSequencer(t, SequencerConfig{InboxSize: 1, Minters: []domain.Identity{minterID}}, nil, nil)
	ctx := context.Background()

	env, err := auth.Sign(stranger, &event.DepositEvent{Amount: quant.Units(1_000_000)})
	require.NoError(t, err)
	r, err := h.seq.SubmitSigned(ctx, env)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Nil(t, r)
	assert.Zero(t, h.seq.Balance(domain.WalletAddress(strangerID)))
	assert.Equal(t, uint64(1), h.seq.GetNextSeq(), "rejected before sequencing")

	// Other signed commands from the same key are unaffected.
	env, err = auth.Sign(stranger, &event.InitMarketplaceEvent{FeeBps: 100})
	require.NoError(t, err)
	_, err = h.seq.SubmitSigned(ctx, env)
	require.NoError(t, err)

	// Unsigned submission (genesis) stays open.
	_, err = h.seq.Submit(ctx, &event.DepositEvent{BaseEvent: as(strangerID), Amount: 5})
	require.NoError(t, err)
	assert.Equal(t, quant.Amount(5), h.seq.Balance(domain.WalletAddress(strangerID)))
}

func TestSequencer_SubmitAfterStop(t *testing.T) {
	h := startSequencer(t, SequencerConfig{InboxSize: 1}, nil, nil)
	h.stop()

	// The inbox may still accept one request; the reply never comes.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.seq.Submit(ctx, &event.DepositEvent{BaseEvent: as(buyer), Amount: 1})
	require.ErrorIs(t, err, ErrStopped)
}
