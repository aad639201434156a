package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"process-intel/internal/api"
	"process-intel/internal/archive"
	"process-intel/internal/config"
	"process-intel/internal/insight"
	"process-intel/internal/pipeline"
	"process-intel/internal/policy"
	"process-intel/internal/queue"
	"process-intel/internal/ratelimit"
	"process-intel/internal/store"
	"process-intel/internal/telemetry"
)

func main() {
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

	actionPolicy, err := policy.Load(cfg.ActionRulesFile)
	if err != nil {
		log.Fatalf("load action rules: %v", err)
	}

	engine := insight.New(cfg)
	coordinator := pipeline.New(cfg, engine, actionPolicy, st)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewOrgBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	dlq := queue.NewDeadLetterWithClient(redisClient, cfg.DLQName)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init archiver: %v", err)
	}

	server := api.New(cfg, st, coordinator, engine, limiter, dlq, archiver)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("pipeline api listening on :%s model=%s history_limit=%d", cfg.HTTPPort, cfg.AIModel, cfg.JobHistoryLimit)
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
