package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/scriptbox/internal/queue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume execution jobs from Redis without serving HTTP",
	Long: `worker runs only the Redis consumer side of the pipeline. Run one or more
workers next to a "serve" process configured with queue.driver=redis; all of
them must share the same storage backend.`,
	RunE: runWorker,
}

func runWorker(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.QueueDriver() != queue.DriverRedis {
		return fmt.Errorf("worker mode requires queue.driver=redis (got %q)", cfg.Queue.QueueDriver())
	}
	logger := newLogger(cfg)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	rq, err := queue.NewRedis(cfg.Queue.Redis, cfg.Queue.WorkerCount(), sc.Runner.Handle, logger)
	if err != nil {
		return err
	}
	defer func() { _ = rq.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rq.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	stopWorkers := rq.Start(ctx)
	logger.Info("worker started",
		slog.Int("workers", cfg.Queue.WorkerCount()),
		slog.String("key", cfg.Queue.Redis.ListKey()),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	stopWorkers()
	return nil
}
