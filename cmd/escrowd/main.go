package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"konnect/internal/app"
	"konnect/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// 1. System Bootstrapping (config, logger, WAL, recovery)
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(context.Background(), *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		bootstrap.Close()
		os.Exit(1)
	}
	cfg := bootstrap.Config
	infra.PrintBanner(os.Stdout, cfg)

	// 2. Pprof Server (localhost only unless configured otherwise)
	if cfg.Server.PprofAddr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", "addr", cfg.Server.PprofAddr)
			if err := http.ListenAndServe(cfg.Server.PprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Sequencer (single writer) in its own goroutine
	seqCtx, stopSequencer := context.WithCancel(context.Background())
	done := bootstrap.Start(seqCtx)
	slog.InfoContext(ctx, "✅ Sequencer started", "next_seq", bootstrap.Sequencer.GetNextSeq())

	if err := bootstrap.SeedGenesis(ctx); err != nil {
		slog.Error("❌ Genesis failed", slog.Any("error", err))
		stopSequencer()
		<-done
		bootstrap.Close()
		os.Exit(1)
	}

	// 5. Command intake
	limiter := infra.NewKeyedRateLimiter(cfg.Server.RateBurst, cfg.Server.RatePerSecond)
	go pruneLimiter(ctx, limiter)

	api := app.NewAPI(bootstrap.Sequencer, limiter, bootstrap.Feed, bootstrap.Metrics.Handler(), bootstrap.Logger)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("✅ API listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", slog.Any("error", err))
			stop()
		}
	}()

	slog.InfoContext(ctx, "✨ konnect fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("👋 Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API shutdown incomplete", slog.Any("error", err))
	}

	// Drain the sequencer before the WAL is closed.
	stopSequencer()
	<-done
	bootstrap.Close()
}

// pruneLimiter drops idle per-key buckets so the map does not grow without bound.
func pruneLimiter(ctx context.Context, limiter *infra.KeyedRateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Prune(); n > 0 {
				slog.Debug("Pruned rate limiter buckets", "dropped", n, "remaining", limiter.Len())
			}
		}
	}
}
