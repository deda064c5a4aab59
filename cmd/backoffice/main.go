package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tokosera/backend/internal/config"
	"tokosera/backend/internal/logx"
	"tokosera/backend/internal/outbox"
	"tokosera/backend/internal/settings"
	"tokosera/backend/internal/store"
	"tokosera/backend/internal/store/memory"
	pgstore "tokosera/backend/internal/store/postgres"
	"tokosera/backend/internal/valuation"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logx.New(cfg.Env)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)

	var db store.DB
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, time.Duration(cfg.LockTimeoutMS)*time.Millisecond)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		db = pg
		closers = append(closers, pg.Close)
		logger.Info("store: postgres")
	} else {
		db = memory.NewSeeded()
		logger.Info("store: in-memory")
	}

	settingCache := settings.Cache(settings.NoopCache{})
	if cfg.RedisAddr != "" {
		redisCache := settings.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop setting cache", zap.Error(err))
		} else {
			settingCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("setting cache: redis")
		}
	} else {
		logger.Info("setting cache: noop")
	}

	var publisher outbox.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafkaPub
		closers = append(closers, kafkaPub.Close)
		logger.Info("events: kafka",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic))
	} else {
		publisher = outbox.NewLogPublisher(logger)
		logger.Info("events: log only")
	}

	settingSvc := settings.NewService(db, settingCache, logger)
	engine := valuation.NewEngine(db)
	if value, err := engine.TotalInventoryValueConfigured(ctx, settingSvc); err != nil {
		logger.Warn("startup inventory valuation failed", zap.Error(err))
	} else {
		logger.Info("inventory value at startup", zap.String("total", value.StringFixed(2)))
	}

	dispatcher := outbox.NewDispatcher(db, publisher, logger,
		time.Duration(cfg.OutboxIntervalMS)*time.Millisecond, cfg.OutboxBatch)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(runCtx)
		close(done)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stop()
	select {
	case <-done:
	case <-time.After(8 * time.Second):
		logger.Warn("dispatcher did not stop in time")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dispatcher.DrainOnce(flushCtx); err != nil {
		logger.Warn("final outbox drain failed", zap.Error(err))
	}
	flushCancel()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("backoffice stopped")
}
