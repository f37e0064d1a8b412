package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"record-sync-engine/internal/config"
	"record-sync-engine/internal/extclient"
	"record-sync-engine/internal/idempotency"
	"record-sync-engine/internal/queue"
	"record-sync-engine/internal/store"
	"record-sync-engine/internal/syncer"
	"record-sync-engine/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueueWithClient(redisClient, cfg)
	lock := idempotency.NewTripleLock(redisClient, cfg.LockTTL)

	clientA := extclient.NewDocStoreClient(cfg.SystemA, cfg.HTTPClientTimeout)
	clientB := extclient.NewTrackerClient(cfg.SystemB, cfg.HTTPClientTimeout)

	engine := syncer.NewEngine(cfg, q, st, lock, clientA, clientB, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started concurrency=%d max_retries=%d", cfg.WorkerConcurrency, cfg.MaxRetries)
	if err := engine.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
