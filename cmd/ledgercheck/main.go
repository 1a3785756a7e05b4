package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"konnect/internal/infra"
	"konnect/internal/storage"
	"konnect/replay"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	until := flag.Uint64("until", 0, "stop after this seq (0 = whole WAL)")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	os.Exit(run(*configPath, *until, *asJSON))
}

func run(configPath string, until uint64, asJSON bool) int {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath(configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	logger, zl, err := infra.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 2
	}
	slog.SetDefault(logger)
	defer func() { _ = zl.Sync() }()

	// No lock file: SQLite WAL mode lets the check read alongside a running daemon.
	store, err := storage.NewEventStore(cfg.WALPath())
	if err != nil {
		slog.Error("❌ Failed to open WAL", slog.Any("error", err))
		return 2
	}
	defer store.Close()

	var snapshots *storage.SnapshotManager
	if dir := cfg.SnapshotPath(); dir != "" {
		snapshots = storage.NewSnapshotManager(dir)
	}

	rep, err := replay.NewReplayer(store, snapshots).Run(context.Background(), replay.Options{Until: until})
	if err != nil {
		slog.Error("❌ Ledger check failed", slog.Any("error", err))
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		printReport(rep)
	}

	if rep.SnapshotSeq > 0 && !rep.SnapshotMatches {
		return 1
	}
	return 0
}

func printReport(rep *replay.Report) {
	fmt.Printf("events:          %d\n", rep.Events)
	fmt.Printf("last seq:        %d\n", rep.LastSeq)
	fmt.Printf("deposited:       %s\n", rep.Deposited)
	fmt.Printf("supply:          %s\n", rep.Supply)
	fmt.Printf("holding escrows: %d (%s)\n", rep.HoldingEscrows, rep.EscrowedValue)
	if rep.SnapshotSeq > 0 {
		fmt.Printf("snapshot @%d:    match=%t\n", rep.SnapshotSeq, rep.SnapshotMatches)
	}

	kinds := make([]string, 0, len(rep.ByKind))
	for k := range rep.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-22s %d\n", k, rep.ByKind[k])
	}
}
