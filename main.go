package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"tokenkeeper/internal/cache"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/config"
	"tokenkeeper/internal/coordinator"
	"tokenkeeper/internal/crypto"
	"tokenkeeper/internal/executor"
	"tokenkeeper/internal/locks"
	"tokenkeeper/internal/opsserver"
	"tokenkeeper/internal/redis"
	"tokenkeeper/internal/store"
	"tokenkeeper/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger()
	defer logging.MustSync()

	instanceID := uuid.NewString()
	logging.Info("Starting token lifecycle manager",
		logging.String("instance_id", instanceID))

	redisClient, err := redis.NewClient(&redis.Config{
		Address:  cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		log.Fatalf("Failed to connect to coordination store: %v", err)
	}
	defer redisClient.Close()

	ctx := context.Background()
	accountStore, err := store.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize account store: %v", err)
	}
	defer accountStore.Close()

	cipher, err := crypto.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize token cipher: %v", err)
	}

	locker, err := locks.New(cfg.LockBackend, redisClient, instanceID)
	if err != nil {
		log.Fatalf("Failed to initialize lock backend: %v", err)
	}

	budget := executor.NewSlidingWindowBudget(redisClient, cfg.BudgetRequests, cfg.BudgetWindow, cfg.BudgetMaxWait)
	exec := executor.New(budget, executor.DefaultConfig())

	refreshClient := upstream.NewClient(upstream.Config{
		TokenURL:        cfg.UpstreamTokenURL,
		ClientID:        cfg.UpstreamClientID,
		ClientSecret:    cfg.UpstreamClientSecret,
		Timeout:         cfg.UpstreamTimeout,
		DefaultLifetime: cfg.DefaultTokenLifetime,
	})

	tokenCache := cache.New(cfg.SafetyMargin, cfg.SweepInterval)
	defer tokenCache.Close()

	coord := coordinator.New(coordinator.Dependencies{
		Store:    accountStore,
		Cache:    tokenCache,
		Cipher:   cipher,
		Locker:   locker,
		Executor: exec,
		Upstream: refreshClient,
		Redis:    redisClient,
	}, coordinator.Config{
		SafetyMargin:   cfg.SafetyMargin,
		LockTTL:        cfg.LockTTL,
		PeerWait:       cfg.PeerWait,
		SweepInterval:  cfg.SweepInterval,
		SweepBatchSize: cfg.SweepBatchSize,
	}, instanceID)

	if err := coord.Start(); err != nil {
		log.Fatalf("Failed to start refresh coordinator: %v", err)
	}
	defer coord.Stop()

	ops := opsserver.New(cfg.Port, redisClient, tokenCache, coord)

	go func() {
		if err := ops.Start(); err != nil {
			logging.Error("Ops server stopped", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := ops.Shutdown(shutdownCtx); err != nil {
		logging.Error("Ops server forced to shut down", err)
	}
}
