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

	"walletledger/internal/cache"
	"walletledger/internal/config"
	"walletledger/internal/db"
	"walletledger/internal/events"
	"walletledger/internal/handlers"
	"walletledger/internal/logger"
	"walletledger/internal/metrics"
	"walletledger/internal/services"
	"walletledger/internal/store"
	"walletledger/internal/worker"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	var log *zap.Logger
	if cfg.Log.Format == "" {
		log = logger.NewForEnvironment(cfg.App.Env, cfg.Log.Level)
	} else {
		log = logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.App.Name))

	database, err := db.Connect(cfg.Database.URL, db.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatal("failed to connect database", zap.Error(err))
	}
	defer database.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 3*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// cache and events fail open
		log.Warn("redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	cancelPing()

	wallets := store.NewWalletStore(database)
	ledger := store.NewLedgerStore(database)
	transfers := store.NewTransferStore(database)
	settings := store.NewSettingsStore(database)
	audit := store.NewAuditStore(database)
	txRunner := db.NewTxRunner(database)
	registry := metrics.New()
	defaults := cfg.DefaultSettings()

	service := services.NewWalletService(services.Config{
		DefaultCurrency: cfg.Ledger.DefaultCurrency,
		DefaultSettings: defaults,
		Location:        cfg.Location(),
	}, services.Deps{
		TxRunner:  txRunner,
		Wallets:   wallets,
		Ledger:    ledger,
		Transfers: transfers,
		Settings:  settings,
		Audit:     audit,
		Cache:     cache.NewBalanceCache(rdb, cache.WithTTL(cfg.Redis.CacheTTL), cache.WithLogger(log)),
		Events:    events.NewPublisher(rdb, settings, defaults, log),
		Metrics:   registry,
		Logger:    log,
	})

	scheduler := worker.NewScheduler(log)
	if cfg.Worker.Enabled {
		sweeper := worker.NewSweeper(ledger, service, registry, log, worker.SweepOptions{
			Timeout:   cfg.Worker.SettlementTimeout,
			BatchSize: cfg.Worker.SweepBatchSize,
			AutoFail:  cfg.Worker.AutoFailStale,
		})
		reconciler := worker.NewReconciler(wallets, registry, log)
		if err := scheduler.Add("settlement-sweeper", cfg.Worker.SweepSchedule, sweeper); err != nil {
			log.Fatal("failed to schedule sweeper", zap.Error(err))
		}
		if err := scheduler.Add("reconciler", cfg.Worker.ReconcileSchedule, reconciler); err != nil {
			log.Fatal("failed to schedule reconciler", zap.Error(err))
		}
		scheduler.Start()
	}

	handler := handlers.New(map[string]handlers.CheckFunc{
		"postgres": database.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}, registry.Handler(), log)
	server := &http.Server{
		Addr:         cfg.Metrics.Addr,
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("walletd ops server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	<-shutdown
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Warn("workers did not stop before the deadline")
	}
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}
