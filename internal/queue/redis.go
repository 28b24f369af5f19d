package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/scriptbox/internal/config"
)

const (
	popTimeout   = 5 * time.Second
	errorBackoff = time.Second
)

// RedisQueue pushes execution IDs onto a Redis list (LPUSH) and pops them in
// worker loops (BRPOP), giving FIFO order across processes.
type RedisQueue struct {
	client  *redis.Client
	key     string
	handler Handler
	workers int
	logger  *slog.Logger
}

// NewRedis creates a RedisQueue. handler may be nil for a producer-only queue.
func NewRedis(cfg *config.RedisConfig, workers int, handler Handler, logger *slog.Logger) (*RedisQueue, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis queue: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 1
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisQueue{
		client:  client,
		key:     cfg.ListKey(),
		handler: handler,
		workers: workers,
		logger:  logger,
	}, nil
}

// Enqueue pushes one execution ID.
func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.client.LPush(ctx, q.key, id.String()).Err(); err != nil {
		return fmt.Errorf("pushing to %s: %w", q.key, err)
	}
	return nil
}

// Len reports the list length.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Ping checks the connection for readiness probes.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Start launches the consumer loops. The returned function cancels them and
// waits until in-flight jobs are done.
func (q *RedisQueue) Start(ctx context.Context) func() {
	if q.handler == nil {
		return func() {}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	// Jobs already popped run to completion even after stop.
	jobCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consume(loopCtx, jobCtx)
		}()
	}

	q.logger.InfoContext(ctx, "redis queue consumers started",
		slog.String("key", q.key),
		slog.Int("workers", q.workers),
	)
	return func() {
		cancel()
		wg.Wait()
		q.logger.Info("redis queue consumers stopped")
	}
}

func (q *RedisQueue) consume(loopCtx, jobCtx context.Context) {
	for {
		if loopCtx.Err() != nil {
			return
		}
		result, err := q.client.BRPop(loopCtx, popTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if loopCtx.Err() != nil {
				return
			}
			q.logger.ErrorContext(loopCtx, "reading from queue", slog.String("error", err.Error()))
			select {
			case <-time.After(errorBackoff):
			case <-loopCtx.Done():
				return
			}
			continue
		}

		// result[0] is the key, result[1] the payload.
		id, err := uuid.Parse(result[1])
		if err != nil {
			q.logger.WarnContext(loopCtx, "dropping malformed job", slog.String("payload", result[1]))
			continue
		}
		handle(jobCtx, q.handler, id, q.logger)
	}
}
