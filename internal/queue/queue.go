// Package queue carries execution IDs from the API to the runners. The local
// queue keeps jobs in process; the redis queue shares them between processes
// through a Redis list.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/execution"
)

// Driver names.
const (
	DriverLocal = "local"
	DriverRedis = "redis"
)

var (
	ErrQueueFull = errors.New("queue full")
	ErrClosed    = errors.New("queue closed")
)

// Handler processes one execution. Errors are logged and the job is dropped;
// the recovery sweep is responsible for anything left Pending.
type Handler func(ctx context.Context, executionID uuid.UUID) error

var (
	_ execution.Dispatcher = (*LocalQueue)(nil)
	_ execution.Dispatcher = (*RedisQueue)(nil)
)

// LocalQueue is a buffered channel drained by a fixed number of workers.
type LocalQueue struct {
	jobs           chan uuid.UUID
	handler        Handler
	workers        int
	enqueueTimeout time.Duration
	logger         *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocal creates a LocalQueue sized from cfg.
func NewLocal(cfg config.QueueConfig, handler Handler, logger *slog.Logger) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		jobs:           make(chan uuid.UUID, cfg.Capacity()),
		handler:        handler,
		workers:        cfg.WorkerCount(),
		enqueueTimeout: time.Second,
		logger:         logger,
	}
}

// Enqueue adds a job, waiting briefly for room when the buffer is full.
func (q *LocalQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.jobs <- id:
		return nil
	default:
	}

	timer := time.NewTimer(q.enqueueTimeout)
	defer timer.Stop()
	select {
	case q.jobs <- id:
		return nil
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of buffered jobs.
func (q *LocalQueue) Len() int {
	return len(q.jobs)
}

// Start launches the workers. The returned function stops accepting jobs,
// lets the workers drain what is buffered, and waits for them.
func (q *LocalQueue) Start(ctx context.Context) func() {
	q.logger.InfoContext(ctx, "local queue started",
		slog.Int("workers", q.workers),
		slog.Int("capacity", cap(q.jobs)),
	)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for id := range q.jobs {
				handle(ctx, q.handler, id, q.logger)
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			q.closed = true
			close(q.jobs)
			q.mu.Unlock()
			q.wg.Wait()
			q.logger.Info("local queue stopped")
		})
	}
}

// handle runs one job, keeping a panicking handler from taking the worker down.
func handle(ctx context.Context, h Handler, id uuid.UUID, logger *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "job handler panicked",
				slog.String("execution_id", id.String()),
				slog.Any("panic", p),
			)
		}
	}()
	if err := h(ctx, id); err != nil {
		logger.ErrorContext(ctx, "job failed",
			slog.String("execution_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}
