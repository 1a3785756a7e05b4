package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"konnect/internal/auth"
	"konnect/internal/domain"
	"konnect/internal/event"
	"konnect/internal/infra"
	"konnect/internal/ledger"
	"konnect/internal/storage"
	"konnect/pkg/quant"
)

// ErrStopped is returned to callers once the sequencer loop has exited.
var ErrStopped = errors.New("sequencer stopped")

const metaLastSnapshotSeq = "last_snapshot_seq"

// SequencerConfig tunes the sequencer.
type SequencerConfig struct {
	InboxSize     int
	SnapshotEvery uint64 // Commits between snapshots; 0 disables snapshots
	SnapshotKeep  int
	DumpPath      string // Where the state goes on panic

	// Minters may sign deposit commands. Signed deposits from anyone else
	// are rejected; Submit (genesis, tests) is not checked.
	Minters []domain.Identity
}

type request struct {
	ev    event.Event
	reply chan result
}

type result struct {
	receipt *event.Receipt
	err     error
}

// Sequencer is the core single-threaded command processor.
// It assigns sequence numbers, runs each command in one ledger transaction,
// appends it to the WAL before commit, and publishes the receipt.
type Sequencer struct {
	inbox   chan request
	done    chan struct{}
	engine  *Engine
	nextSeq uint64

	store     *storage.EventStore
	snapshots *storage.SnapshotManager
	breaker   *infra.CircuitBreaker
	metrics   *infra.Metrics
	cfg       SequencerConfig
	minters   map[domain.Identity]struct{}

	// Boundary: used to notify the feed of committed commands
	onCommit func(*event.Receipt)

	clock func() time.Time

	mu sync.RWMutex // Guards engine state against external reads
}

// NewSequencer creates a new sequencer instance. store and snapshots may be
// nil for a purely in-memory ledger.
func NewSequencer(cfg SequencerConfig, store *storage.EventStore, snapshots *storage.SnapshotManager, onCommit func(*event.Receipt)) *Sequencer {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1
	}
	if cfg.DumpPath == "" {
		cfg.DumpPath = "panic_dump.json"
	}
	minters := make(map[domain.Identity]struct{}, len(cfg.Minters))
	for _, id := range cfg.Minters {
		minters[id] = struct{}{}
	}
	return &Sequencer{
		minters:   minters,
		inbox:     make(chan request, cfg.InboxSize),
		done:      make(chan struct{}),
		engine:    NewEngine(nil),
		nextSeq:   1,
		store:     store,
		snapshots: snapshots,
		cfg:       cfg,
		onCommit:  onCommit,
		clock:     time.Now,
	}
}

// SetBreaker guards WAL appends with cb.
func (s *Sequencer) SetBreaker(cb *infra.CircuitBreaker) { s.breaker = cb }

// SetMetrics attaches Prometheus collectors.
func (s *Sequencer) SetMetrics(m *infra.Metrics) { s.metrics = m }

// Recover restores state from the latest snapshot, then replays the WAL tail.
// Replay uses the same code path as live commands.
func (s *Sequencer) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshots != nil {
		snap, err := s.snapshots.LoadLatest()
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		if snap != nil {
			state, err := ledger.Restore(snap.Ledger)
			if err != nil {
				return fmt.Errorf("failed to restore snapshot %d: %w", snap.Seq, err)
			}
			s.engine = NewEngine(state)
			s.nextSeq = snap.Seq + 1
			slog.Info("Restored from snapshot", slog.Uint64("seq", snap.Seq))
		}
	}

	if s.store == nil {
		slog.Info("No store configured, starting fresh")
		return nil
	}

	lastSeq, err := s.store.GetLastSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to get last seq: %w", err)
	}
	if lastSeq < s.nextSeq {
		if lastSeq+1 < s.nextSeq {
			return fmt.Errorf("snapshot seq %d is ahead of WAL seq %d", s.nextSeq-1, lastSeq)
		}
		slog.Info("WAL has no tail to replay", slog.Uint64("next_seq", s.nextSeq))
		return nil
	}

	events, err := s.store.LoadEvents(ctx, s.nextSeq)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}

	slog.Info("Replaying events from WAL", slog.Int("count", len(events)), slog.Uint64("from", s.nextSeq))
	for _, ev := range events {
		if err := s.replay(ev); err != nil {
			return err
		}
	}

	if err := s.engine.State().VerifyInvariants(); err != nil {
		return fmt.Errorf("recovered state is inconsistent: %w", err)
	}
	s.publishGauges()
	slog.Info("State recovered from WAL", slog.Uint64("next_seq", s.nextSeq))
	return nil
}

// replay applies one WAL event without logging it again.
// A committed event that no longer applies means the ledger diverged.
func (s *Sequencer) replay(ev event.Event) error {
	if ev.GetSeq() != s.nextSeq {
		return fmt.Errorf("REPLAY_GAP_DETECTED: expected %d, got %d", s.nextSeq, ev.GetSeq())
	}
	if _, err := s.engine.Execute(ev, nil); err != nil {
		return fmt.Errorf("REPLAY_DIVERGED at seq %d (%s): %w", ev.GetSeq(), ev.GetType(), err)
	}
	s.nextSeq++
	return nil
}

// Submit enqueues a command and waits for its receipt. The returned error is
// the rejection reason; the receipt is non-nil whenever the command was
// processed. Cancelling ctx after the command was enqueued does not stop it.
func (s *Sequencer) Submit(ctx context.Context, ev event.Event) (*event.Receipt, error) {
	req := request{ev: ev, reply: make(chan result, 1)}

	select {
	case s.inbox <- req:
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitSigned verifies a signed envelope and submits its command on
// behalf of the signer. Deposits mint funds and are accepted only from
// configured minters.
func (s *Sequencer) SubmitSigned(ctx context.Context, env *auth.Envelope) (*event.Receipt, error) {
	ev, err := env.Open()
	if err != nil {
		s.metrics.ObserveCommand(env.Op, domain.Code(err), 0)
		return nil, err
	}
	if ev.GetType() == event.EvDeposit {
		if _, ok := s.minters[ev.GetCaller()]; !ok {
			err := fmt.Errorf("deposit by %s: not a minter: %w", ev.GetCaller(), domain.ErrUnauthorized)
			s.metrics.ObserveCommand(env.Op, domain.Code(err), 0)
			return nil, err
		}
	}
	return s.Submit(ctx, ev)
}

// Run starts the main command loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started (Single-Thread Hotpath)")
	defer close(s.done)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.cfg.DumpPath)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case req := <-s.inbox:
			receipt, err := s.process(req.ev)
			req.reply <- result{receipt: receipt, err: err}
		}
	}
}

func (s *Sequencer) process(ev event.Event) (*event.Receipt, error) {
	start := s.clock()
	ev.Stamp(s.nextSeq, quant.TimeStamp(start.UnixMicro()))

	s.mu.Lock()
	receipt, err := s.engine.Execute(ev, s.persist)
	s.mu.Unlock()

	s.metrics.ObserveCommand(receipt.Kind, receipt.Code, s.clock().Sub(start))
	if err != nil {
		slog.Debug("Command rejected",
			slog.String("kind", receipt.Kind),
			slog.String("caller", string(ev.GetCaller())),
			slog.String("code", receipt.Code),
			slog.Any("error", err))
		return receipt, err
	}

	s.nextSeq++
	slog.Debug("Command committed",
		slog.Uint64("seq", receipt.Seq),
		slog.String("kind", receipt.Kind),
		slog.String("account", receipt.Account.Short()))

	s.publishGauges()
	s.maybeSnapshot(receipt.Seq)

	if s.onCommit != nil {
		s.onCommit(receipt)
	}
	return receipt, nil
}

// persist appends a command to the WAL. Only commands that passed every
// check reach it, so the WAL replays without rejections.
func (s *Sequencer) persist(ev event.Event) error {
	if s.store == nil {
		return nil
	}
	if s.breaker != nil && !s.breaker.Allow() {
		return fmt.Errorf("wal append seq %d: %w", ev.GetSeq(), domain.ErrStoreUnavailable)
	}
	if err := s.store.SaveEvent(context.Background(), ev); err != nil {
		s.metrics.WALFailure()
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		slog.Error("WAL append failed", slog.Uint64("seq", ev.GetSeq()), slog.Any("error", err))
		return fmt.Errorf("wal append seq %d: %w: %w", ev.GetSeq(), domain.ErrStoreUnavailable, err)
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}
	return nil
}

func (s *Sequencer) maybeSnapshot(seq uint64) {
	if s.snapshots == nil || s.cfg.SnapshotEvery == 0 || seq%s.cfg.SnapshotEvery != 0 {
		return
	}

	s.mu.RLock()
	snap, err := storage.CreateSnapshot(seq, s.engine.State())
	s.mu.RUnlock()
	if err != nil {
		slog.Error("Snapshot failed", slog.Uint64("seq", seq), slog.Any("error", err))
		return
	}
	// A missed snapshot only costs a longer replay.
	if err := s.snapshots.Save(snap); err != nil {
		slog.Error("Snapshot failed", slog.Uint64("seq", seq), slog.Any("error", err))
		return
	}
	if s.cfg.SnapshotKeep > 0 {
		if err := s.snapshots.Cleanup(s.cfg.SnapshotKeep); err != nil {
			slog.Warn("Snapshot cleanup failed", slog.Any("error", err))
		}
	}
	if s.store != nil {
		if err := s.store.UpsertMetadata(context.Background(), metaLastSnapshotSeq, strconv.FormatUint(seq, 10), snap.TsUnix); err != nil {
			slog.Warn("Failed to record snapshot seq", slog.Any("error", err))
		}
	}
}

func (s *Sequencer) publishGauges() {
	if s.metrics == nil {
		return
	}
	count, value := s.engine.State().HoldingEscrows()
	s.metrics.SetEscrows(count, uint64(value))
	s.metrics.SetLastSeq(s.nextSeq - 1)
}

// GetNextSeq returns the sequence number the next commit will get.
func (s *Sequencer) GetNextSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq
}

// --- External reads (copies) ---

func (s *Sequencer) Marketplace(a domain.Address) (domain.Marketplace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State().Marketplace(a)
}

func (s *Sequencer) Merchant(a domain.Address) (domain.Merchant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State().Merchant(a)
}

func (s *Sequencer) Listing(a domain.Address) (domain.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State().Listing(a)
}

func (s *Sequencer) Escrow(a domain.Address) (domain.Escrow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State().Escrow(a)
}

func (s *Sequencer) Balance(a domain.Address) quant.Amount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State().Balance(a)
}

// Export returns an image of the committed ledger.
func (s *Sequencer) Export() ledger.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State().Export()
}

// DumpState writes the entire internal state to a file (for post-mortem).
// It runs from the panic handler, so it must not wait on the state lock.
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	data := struct {
		NextSeq uint64       `json:"next_seq"`
		Ledger  ledger.Image `json:"ledger"`
	}{
		NextSeq: s.nextSeq,
		Ledger:  s.engine.State().Export(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
