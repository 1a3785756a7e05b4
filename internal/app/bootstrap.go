package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"konnect/internal/domain"
	"konnect/internal/engine"
	"konnect/internal/event"
	"konnect/internal/infra"
	"konnect/internal/storage"
	"konnect/pkg/quant"
)

// Bootstrap orchestrates the daemon startup sequence.
type Bootstrap struct {
	Config    *infra.Config
	Logger    *zap.Logger
	Metrics   *infra.Metrics
	Store     *storage.EventStore
	Snapshots *storage.SnapshotManager
	Feed      *infra.FeedHub
	Sequencer *engine.Sequencer

	unlock func()
	done   chan struct{}
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration, opens storage and recovers the
// ledger. Nothing is accepting commands yet when it returns.
func (b *Bootstrap) Initialize(ctx context.Context, configPath string) error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath(configPath))
	if err != nil {
		return err
	}
	b.Config = cfg

	logger, zl, err := infra.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	b.Logger = zl
	slog.Info("Bootstrapping konnect", "network", cfg.App.Network, "version", cfg.App.Version)

	dataDir := cfg.DataDir()
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// One sequencer per WAL.
	unlock, err := infra.CreateLockFile(dataDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	store, err := storage.NewEventStore(cfg.WALPath())
	if err != nil {
		return err
	}
	b.Store = store
	slog.Info("EventStore initialized (WAL-mode)", "path", cfg.WALPath())

	if dir := cfg.SnapshotPath(); dir != "" {
		b.Snapshots = storage.NewSnapshotManager(dir)
	}

	b.Metrics = infra.NewMetrics()
	pingInterval := time.Duration(cfg.Feed.PingSeconds) * time.Second
	b.Feed = infra.NewFeedHub(cfg.Feed.BufferSize, pingInterval, b.Metrics)

	b.Sequencer = engine.NewSequencer(engine.SequencerConfig{
		InboxSize:     cfg.Engine.InboxSize,
		SnapshotEvery: cfg.Engine.SnapshotEvery,
		SnapshotKeep:  cfg.Engine.SnapshotKeep,
		DumpPath:      filepath.Join(dataDir, "panic_dump.json"),
		Minters:       minters(cfg.App.Minters),
	}, store, b.Snapshots, b.publish)
	b.Sequencer.SetMetrics(b.Metrics)
	b.Sequencer.SetBreaker(cfg.WALBreaker(b.Metrics))

	if err := b.Sequencer.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover ledger: %w", err)
	}
	return nil
}

func minters(keys []string) []domain.Identity {
	ids := make([]domain.Identity, len(keys))
	for i, k := range keys {
		ids[i] = domain.Identity(strings.ToLower(k))
	}
	return ids
}

// publish forwards committed receipts to the feed.
func (b *Bootstrap) publish(r *event.Receipt) {
	if err := b.Feed.Publish(r.Seq, r); err != nil {
		slog.Error("Feed publish failed", "seq", r.Seq, "error", err)
	}
}

// Start runs the sequencer loop. The returned channel closes when it exits.
func (b *Bootstrap) Start(ctx context.Context) <-chan struct{} {
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.Sequencer.Run(ctx)
	}()
	return b.done
}

// SeedGenesis applies the configured genesis deposits to an empty ledger.
// A ledger that already has commits is left alone, so restarts are safe.
func (b *Bootstrap) SeedGenesis(ctx context.Context) error {
	if len(b.Config.Genesis) == 0 || b.Sequencer.GetNextSeq() != 1 {
		return nil
	}

	for _, g := range b.Config.Genesis {
		amount, err := quant.ParseAmount(g.Amount)
		if err != nil {
			return fmt.Errorf("genesis %s: %w", g.Identity, err)
		}
		ev := &event.DepositEvent{Amount: amount}
		ev.Caller = domain.Identity(g.Identity)
		if _, err := b.Sequencer.Submit(ctx, ev); err != nil {
			return fmt.Errorf("genesis %s: %w", g.Identity, err)
		}
		slog.Info("Genesis deposit", "identity", g.Identity, "amount", amount.String())
	}
	return nil
}

// Close releases everything Initialize acquired. The sequencer must have
// stopped first.
func (b *Bootstrap) Close() {
	if b.Feed != nil {
		b.Feed.Close()
	}
	if b.Store != nil {
		if err := b.Store.Close(); err != nil {
			slog.Warn("Failed to close event store", "error", err)
		}
	}
	if b.unlock != nil {
		b.unlock()
	}
	if b.Logger != nil {
		_ = b.Logger.Sync()
	}
}
