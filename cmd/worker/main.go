package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"content-pipeline-engine/internal/config"
	"content-pipeline-engine/internal/jobs"
	"content-pipeline-engine/internal/models"
	"content-pipeline-engine/internal/queue"
	"content-pipeline-engine/internal/scheduler"
	"content-pipeline-engine/internal/store"
	"content-pipeline-engine/internal/telemetry"
	"content-pipeline-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.Env)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatalw("open store", "error", err)
	}
	defer closeStore()

	q := queue.New(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		PriorityQueues:    cfg.PriorityQueues,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})

	coord := jobs.NewCoordinator(st, q, logger)
	guards := jobs.NewGuards(st, coord, logger)
	limiter := worker.NewConcurrencyLimiter(cfg.ProjectConcurrency)
	processor := worker.NewProcessor(cfg, q, st, coord, guards, limiter, logger)

	publishHandler := worker.NewPublishHandler(cfg, st, logger)
	processor.Register(models.TypePublish, publishHandler.Handle)

	assetHandler, err := worker.NewAssetHandler(ctx, cfg, st)
	if err != nil {
		logger.Fatalw("init asset handler", "error", err)
	}
	processor.Register(models.TypeAssets, assetHandler.Handle)

	sched := scheduler.New(st, guards, logger)
	go sched.RunPeriodically(ctx, cfg.AutopublishInterval)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warnw("metrics server stopped", "error", err)
		}
	}()

	logger.Infow("worker started",
		"workers", cfg.WorkerCount,
		"project_concurrency", cfg.ProjectConcurrency,
		"max_retries", cfg.MaxRetries,
		"visibility_timeout", cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		logger.Infow("worker stopped", "error", err)
	}
}

func newLogger(env string) *zap.SugaredLogger {
	var (
		l   *zap.Logger
		err error
	)
	if env == "prod" {
		l, err = zap.NewProduction()
	} else {
		l, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	return l.Sugar()
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	if cfg.UseMemoryStore {
		return store.NewMemory(), func() {}, nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
