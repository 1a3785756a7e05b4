// Package replay rebuilds the ledger from the WAL outside the daemon.
// It backs the offline audit and lets indexers rebuild from scratch.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"konnect/internal/engine"
	"konnect/internal/event"
	"konnect/internal/ledger"
	"konnect/internal/storage"
	"konnect/pkg/quant"
	"konnect/pkg/safe"
)

// Options narrows a replay.
type Options struct {
	// Until stops after this seq. Zero replays the whole WAL.
	Until uint64
	// OnReceipt sees every receipt in seq order.
	OnReceipt func(*event.Receipt)
}

// Report summarises a replay.
type Report struct {
	Events    int
	LastSeq   uint64
	ByKind    map[string]int
	Deposited quant.Amount // Sum of all deposit commands
	Supply    quant.Amount // Sum of all balances after replay

	HoldingEscrows int
	EscrowedValue  quant.Amount

	// Set when a snapshot at or before LastSeq was compared.
	SnapshotSeq     uint64
	SnapshotMatches bool

	State *ledger.State `json:"-"`
}

// Replayer reads the WAL and feeds it through a fresh engine.
type Replayer struct {
	store     *storage.EventStore
	snapshots *storage.SnapshotManager
}

// NewReplayer creates a replayer. snapshots may be nil.
func NewReplayer(store *storage.EventStore, snapshots *storage.SnapshotManager) *Replayer {
	return &Replayer{store: store, snapshots: snapshots}
}

// Run replays the WAL from seq 1. Any event that no longer applies, a seq
// gap, a broken ledger invariant or a deposit total that disagrees with
// the supply is an error.
func (r *Replayer) Run(ctx context.Context, opts Options) (*Report, error) {
	var snap *storage.Snapshot
	if r.snapshots != nil {
		var err error
		if snap, err = r.snapshots.LoadLatest(); err != nil {
			return nil, fmt.Errorf("failed to load snapshot: %w", err)
		}
	}

	eng := engine.NewEngine(nil)
	rep := &Report{ByKind: make(map[string]int)}
	var deposited uint64

	err := r.store.Scan(ctx, 1, func(ev event.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seq := ev.GetSeq()
		if opts.Until > 0 && seq > opts.Until {
			return storage.ErrStopScan
		}
		if seq != rep.LastSeq+1 {
			return fmt.Errorf("WAL gap: expected seq %d, got %d", rep.LastSeq+1, seq)
		}

		receipt, err := eng.Execute(ev, nil)
		if err != nil {
			return fmt.Errorf("seq %d (%s) no longer applies: %w", seq, ev.GetType(), err)
		}
		if d, ok := ev.(*event.DepositEvent); ok {
			if deposited, err = safe.Add(deposited, uint64(d.Amount)); err != nil {
				return fmt.Errorf("deposit total at seq %d: %w", seq, err)
			}
		}

		rep.Events++
		rep.LastSeq = seq
		rep.ByKind[receipt.Kind]++
		if opts.OnReceipt != nil {
			opts.OnReceipt(receipt)
		}

		if snap != nil && snap.Seq == seq {
			return r.compare(rep, snap, eng.State())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	state := eng.State()
	if err := state.VerifyInvariants(); err != nil {
		return nil, fmt.Errorf("replayed ledger is inconsistent: %w", err)
	}

	rep.Deposited = quant.Amount(deposited)
	rep.Supply = state.Supply()
	if rep.Supply != rep.Deposited {
		return nil, fmt.Errorf("supply %s differs from deposits %s", rep.Supply, rep.Deposited)
	}
	rep.HoldingEscrows, rep.EscrowedValue = state.HoldingEscrows()
	rep.State = state

	slog.Info("Replay complete",
		slog.Int("events", rep.Events),
		slog.Uint64("last_seq", rep.LastSeq),
		slog.String("supply", rep.Supply.String()),
		slog.Int("holding_escrows", rep.HoldingEscrows))
	return rep, nil
}

// compare checks the replayed state against a snapshot taken at the same seq.
func (r *Replayer) compare(rep *Report, snap *storage.Snapshot, state *ledger.State) error {
	replayed, err := storage.CreateSnapshot(snap.Seq, state)
	if err != nil {
		return err
	}
	rep.SnapshotSeq = snap.Seq
	rep.SnapshotMatches = replayed.Checksum == snap.Checksum
	if !rep.SnapshotMatches {
		slog.Error("Snapshot disagrees with WAL",
			slog.Uint64("seq", snap.Seq),
			slog.String("snapshot", snap.Checksum),
			slog.String("replayed", replayed.Checksum))
	}
	return nil
}
