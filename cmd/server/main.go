package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"raffle-engine/internal/config"
	"raffle-engine/internal/db"
	"raffle-engine/internal/handlers"
	"raffle-engine/internal/lock"
	"raffle-engine/internal/logger"
	adminmiddleware "raffle-engine/internal/middleware"
	"raffle-engine/internal/services"
)

func main() {
	// 0. Config
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Database
	store, err := db.Open(cfg.DatabaseURL, cfg.AuthToken)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}
	log.Info("database ready")

	// 2. Counts cache
	var cache services.Cache = services.NopCache{}
	if cfg.RedisURL != "" {
		redisCache, err := services.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, counts are served uncached", zap.Error(err))
		} else {
			defer redisCache.Close()
			cache = redisCache
		}
	}
	// The bridge outlives the signal context so invalidations from requests
	// drained by Shutdown still reach the cache.
	bridge := services.NewCacheBridge(cache, 1024, log)
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	bridgeDone := make(chan struct{})
	go func() {
		bridge.Run(bridgeCtx)
		close(bridgeDone)
	}()

	// 3. Telegram
	var notifier services.Notifier = services.NopNotifier{}
	if cfg.TelegramToken == "" {
		log.Warn("TELEGRAM_TOKEN not set, organizer notifications disabled")
	} else {
		tg, bot, err := services.NewTelegramNotifier(cfg.TelegramToken, store, cfg.AdminChatID, log)
		if err != nil {
			log.Warn("telegram bot unavailable, organizer notifications disabled", zap.Error(err))
		} else {
			notifier = tg
			go tg.Listen(ctx, bot)
		}
	}

	// 4. Engine
	locks := lock.New()
	reservations := services.NewReservationService(store, locks, bridge, notifier, log,
		services.WithLockWait(cfg.LockWait),
		services.WithDefaultDuration(cfg.ReservationDuration))
	counts := services.NewCountsService(store, cache, cfg.CountsCacheTTL, log)

	sweepCfg := services.DefaultSweeperConfig()
	sweepCfg.BatchSize = cfg.SweepBatchSize
	sweepCfg.MaxBatches = cfg.SweepMaxBatches
	sweepCfg.LockWait = cfg.LockWait
	sweeper := services.NewSweeper(store, locks, bridge, notifier, nil, sweepCfg, log)
	sched, err := sweeper.Schedule(cfg.SweepInterval)
	if err != nil {
		log.Fatal("failed to schedule sweeper", zap.Error(err))
	}

	// 5. Router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	auth := adminmiddleware.AdminAuth{
		BotToken: cfg.TelegramToken,
		AdminIDs: cfg.AdminIDs,
		Password: cfg.AdminPassword,
		Logger:   log,
	}
	handlers.New(reservations, counts, sweeper, log).Routes(r, auth.Handler)

	// 6. Serve
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	select {
	case <-sched.Stop().Done():
	case <-shutdownCtx.Done():
		log.Warn("sweep still running at shutdown")
	}
	stopBridge()
	<-bridgeDone
}
