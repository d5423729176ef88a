package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"facebook-post-scheduler/internal/config"
	"facebook-post-scheduler/internal/dispatch"
	"facebook-post-scheduler/internal/media"
	"facebook-post-scheduler/internal/runlock"
	"facebook-post-scheduler/internal/store"
	"facebook-post-scheduler/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

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

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started interval=%s backoff=%s max_retries=%d", cfg.WorkerInterval, cfg.RetryBackoff, cfg.MaxRetries)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			runOnce(ctx, cfg, lock, engine)
		}
	}
}

func runOnce(ctx context.Context, cfg config.Config, lock *runlock.Lock, engine *dispatch.Engine) {
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, runlock.ErrLockHeld) {
			log.Printf("worker: dispatch already running, skipping tick")
		} else {
			log.Printf("worker: acquire run lock: %v", err)
		}
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("worker: release run lock: %v", err)
		}
	}()

	telemetry.TriggerRuns.Inc()
	runCtx := ctx
	if cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.DispatchTimeout)
		defer cancel()
	}

	summary, err := engine.Run(runCtx)
	if err != nil {
		log.Printf("worker: dispatch run: %v", err)
		return
	}
	if summary.Attempted > 0 || summary.Reclaimed > 0 {
		log.Printf("worker: dispatched attempted=%d posted=%d retries=%d permanent=%d reclaimed=%d",
			summary.Attempted, summary.Posted, summary.RetryScheduled, summary.PermanentlyFailed, summary.Reclaimed)
	}
}
