package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	api "facebook-post-scheduler/internal/api"
	"facebook-post-scheduler/internal/config"
	"facebook-post-scheduler/internal/dispatch"
	"facebook-post-scheduler/internal/health"
	"facebook-post-scheduler/internal/media"
	"facebook-post-scheduler/internal/ratelimit"
	"facebook-post-scheduler/internal/runlock"
	"facebook-post-scheduler/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	lock := runlock.New(redisClient, cfg.RunLockTTL)

	webhook := dispatch.NewWebhookClient(cfg.WebhookURL, cfg.WebhookTimeout)
	engine := dispatch.NewEngine(st, webhook, dispatch.Options{
		WebhookSecret:   cfg.WebhookSecret,
		RetryBackoff:    cfg.RetryBackoff,
		BatchSize:       cfg.DispatchBatchSize,
		StaleClaimAfter: cfg.StaleClaimAfter,
	})
	if preparer, err := media.NewPreparer(ctx, cfg); err != nil {
		log.Printf("thumbnail preparer disabled: %v", err)
	} else {
		engine.SetThumbnailPreparer(preparer)
	}

	monitor := health.NewMonitor(st, nil)

	server := api.New(cfg, st, engine, monitor, limiter, lock)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
