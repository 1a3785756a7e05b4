package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"konnect/internal/domain"
	"konnect/internal/indexer"
	"konnect/internal/infra"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	dbPath := flag.String("db", "", "index database (default <data_dir>/index.db)")
	addr := flag.String("addr", "127.0.0.1:8090", "query API listen address")
	flag.Parse()

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath(*configPath))
	if err != nil {
		slog.Error("❌ Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger, zl, err := infra.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("❌ Failed to build logger", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(logger)
	defer func() { _ = zl.Sync() }()

	if cfg.Feed.URL == "" {
		slog.Error("❌ feed.url is not configured")
		os.Exit(1)
	}
	if *dbPath == "" {
		*dbPath = filepath.Join(cfg.DataDir(), "index.db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ix, err := indexer.Open(ctx, *dbPath, cfg.Feed.URL)
	if err != nil {
		slog.Error("❌ Failed to open index", slog.Any("error", err))
		os.Exit(1)
	}
	defer ix.Close()
	slog.Info("🚀 Indexer started", "db", *dbPath, "feed", cfg.Feed.URL, "last_seq", ix.LastSeq())

	worker := infra.NewBaseWSWorker(ix)
	worker.Start(ctx)
	defer worker.Stop()

	server := &http.Server{
		Addr:              *addr,
		Handler:           newRouter(ix, zl),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Query API failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("👋 Indexer shutting down", "last_seq", ix.LastSeq())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func newRouter(ix *indexer.Indexer, zl *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(zl, time.RFC3339, true), ginzap.RecoveryWithZap(zl, true))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "last_seq": ix.LastSeq()})
	})
	r.GET("/v1/receipts/:seq", func(c *gin.Context) {
		seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BadSeq", "message": err.Error()})
			return
		}
		rec, err := ix.Get(c.Request.Context(), seq)
		switch {
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": err.Error()})
		case rec == nil:
			c.JSON(http.StatusNotFound, gin.H{"error": "NotFound", "message": "no receipt at seq " + c.Param("seq")})
		default:
			c.JSON(http.StatusOK, rec)
		}
	})
	r.GET("/v1/references/:key", func(c *gin.Context) {
		recs, err := ix.ByReference(c.Request.Context(), c.Param("key"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	})
	r.GET("/v1/accounts/:address", func(c *gin.Context) {
		addr, err := domain.ParseAddress(c.Param("address"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BadAddress", "message": err.Error()})
			return
		}
		recs, err := ix.ByAccount(c.Request.Context(), addr)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	})
	return r
}
