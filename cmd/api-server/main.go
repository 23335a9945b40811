package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-checkout/internal/api"
	"github.com/hackgods/appointment-checkout/internal/bookingapi"
	"github.com/hackgods/appointment-checkout/internal/checkout"
	"github.com/hackgods/appointment-checkout/internal/config"
	"github.com/hackgods/appointment-checkout/internal/db"
	"github.com/hackgods/appointment-checkout/internal/logging"
	"github.com/hackgods/appointment-checkout/internal/metrics"
	"github.com/hackgods/appointment-checkout/internal/payment"
	redisclient "github.com/hackgods/appointment-checkout/internal/redis"
)

var version = "dev"

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	logger.Info("api-server starting up", zap.String("env", cfg.Env), zap.String("http_port", cfg.HTTPPort), zap.String("version", version))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{AppName: "checkout-api", MaxConns: 8})
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	if cfg.ApplySchema {
		if err := db.ApplySchema(rootCtx, pgPool); err != nil {
			return err
		}
	}

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	payments, err := newPaymentService(cfg, logger)
	if err != nil {
		return err
	}
	bookings, err := bookingapi.NewClient(cfg.BookingAPIURL, cfg.BookingAPITimeout, logger.Named("bookingapi"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	intake := checkout.NewIntake(checkout.NewRedisDoctorSlot(rdb, cfg.FlowTTL))
	orch := checkout.NewOrchestrator(checkout.Dependencies{
		Payments: payments,
		Bookings: bookings,
		Flows:    checkout.NewRedisFlowStore(rdb, cfg.FlowTTL),
		Intake:   intake,
		Ledger:   checkout.NewPgLedger(pgPool),
		Locker:   redisclient.NewRedisLocker(rdb, "checkout", cfg.LockTTL),
		Metrics:  metrics.NewCheckoutMetrics(reg),
		Logger:   logger.Named("checkout"),
	}, checkout.Config{
		Currency:      cfg.Currency,
		DefaultAmount: cfg.DefaultAmount,
		AbandonAfter:  cfg.AbandonAfter,
	})

	router := api.NewRouter(api.RouterConfig{
		Checkout:       orch,
		Intake:         intake,
		Postgres:       pgPool,
		Redis:          api.RedisPinger(rdb),
		Gatherer:       reg,
		Logger:         logger.Named("http"),
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.AllowedOrigins,
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// covers a payment confirmation plus the booking commit
		WriteTimeout: cfg.LockTTL + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	logger.Info("api-server stopped cleanly")
	return nil
}

func newPaymentService(cfg config.Config, logger *zap.Logger) (checkout.PaymentService, error) {
	if cfg.StripeSecretKey == "" && cfg.AllowFakePayments {
		logger.Warn("using fake payment processor, no real charges will be made")
		return payment.NewFakeProcessor(logger.Named("payment")), nil
	}
	return payment.NewStripeProcessor(payment.StripeOptions{
		SecretKey: cfg.StripeSecretKey,
		BaseURL:   cfg.StripeAPIBase,
		Timeout:   cfg.PaymentTimeout,
	}, logger.Named("payment"))
}
