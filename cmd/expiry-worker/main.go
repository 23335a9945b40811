package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/checkout"
	"github.com/hackgods/appointment-checkout/internal/config"
	"github.com/hackgods/appointment-checkout/internal/db"
	"github.com/hackgods/appointment-checkout/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("expiry-worker starting up", zap.String("env", cfg.Env), zap.Duration("interval", cfg.WorkerInterval), zap.Duration("abandon_after", cfg.AbandonAfter))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{AppName: "checkout-expiry-worker", MaxConns: 2})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	reconciler := checkout.NewReconciler(checkout.NewPgLedger(pgPool), nil, logger.Named("reconciler"), cfg.AbandonAfter)

	// Run once at startup
	runOnce(rootCtx, reconciler, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, reconciler, logger)
		}
	}
}

func runOnce(ctx context.Context, reconciler *checkout.Reconciler, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := reconciler.ExpireAbandoned(runCtx)
	if err != nil {
		logger.Error("expiry run error", zap.Error(err))
		return
	}

	queue, err := reconciler.PaidUnbooked(runCtx, 100)
	if err != nil {
		logger.Error("reconciliation check error", zap.Error(err))
	} else if len(queue) > 0 {
		logger.Warn("paid attempts waiting for manual reconciliation", zap.Int("count", len(queue)))
	}

	logger.Info("expiry run complete", zap.Int("abandoned", n), zap.Duration("took", time.Since(start)))
}
