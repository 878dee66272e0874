package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"group-calendar/internal/config"
	"group-calendar/internal/queue"
	"group-calendar/internal/recommend"
	"group-calendar/internal/store"
	"group-calendar/internal/telemetry"
	workerproc "group-calendar/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

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
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, cfg.VisibilityTimeout)

	// Infrastructure may still be coming up; retry before consuming.
	err = workerproc.AwaitReady(ctx, logger, cfg.ConnectRetries, cfg.ConnectRetryDelay, map[string]workerproc.Pinger{
		"postgres": st,
		"redis":    q,
	})
	if err != nil {
		logger.Fatal("dependencies unavailable", zap.Error(err))
	}

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	processor := workerproc.NewProcessor(cfg, q, st, recommend.NewCollector(st), logger)

	logger.Info("worker started",
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("poll_interval", cfg.WorkerPollInterval),
	)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}
