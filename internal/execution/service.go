package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/jsonvalue"
	"github.com/jkaninda/scriptbox/internal/sandbox"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	persistTimeout = 10 * time.Second
)

// Service is the caller-facing side of the pipeline.
type Service struct {
	scripts    ScriptStore
	executions ExecutionStore
	dispatcher Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a Service. metrics may be nil.
func NewService(scripts ScriptStore, executions ExecutionStore, dispatcher Dispatcher, metrics *Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		scripts:    scripts,
		executions: executions,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Start records a Pending execution of scriptID and queues it. The returned
// record is the Pending one; callers poll Get for the outcome.
func (s *Service) Start(ctx context.Context, scriptID uuid.UUID, input jsonvalue.Value) (*domain.Execution, error) {
	if _, err := s.scripts.Get(ctx, scriptID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrScriptNotFound
		}
		return nil, fmt.Errorf("loading script %s: %w", scriptID, err)
	}

	now := s.now().UTC()
	exec := &domain.Execution{
		ID:        domain.NewID(),
		ScriptID:  scriptID,
		Status:    domain.StatusPending,
		Input:     input,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}

	if err := s.dispatcher.Enqueue(ctx, exec.ID); err != nil {
		s.logger.ErrorContext(ctx, "execution dispatch failed",
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
		exec.Fail(string(sandbox.FaultUnknown), ErrDispatch.Error())
		exec.Finalize(s.now(), 0)

		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if uerr := s.executions.Update(pctx, exec); uerr != nil {
			s.logger.ErrorContext(ctx, "persisting dispatch failure",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", uerr.Error()),
			)
		}
		s.metrics.finished(string(exec.Status), exec.ErrorKind, 0)
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	s.metrics.started()
	s.logger.InfoContext(ctx, "execution queued",
		slog.String("execution_id", exec.ID.String()),
		slog.String("script_id", scriptID.String()),
	)
	return exec, nil
}

// Get returns an execution by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	exec, err := s.executions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return exec, nil
}

// ListByScript returns the newest executions of a script. limit <= 0 means
// DefaultListLimit; it is capped at MaxListLimit.
func (s *Service) ListByScript(ctx context.Context, scriptID uuid.UUID, limit int) ([]domain.Execution, error) {
	if _, err := s.scripts.Get(ctx, scriptID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrScriptNotFound
		}
		return nil, fmt.Errorf("loading script %s: %w", scriptID, err)
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	list, err := s.executions.ListByScript(ctx, scriptID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	return list, nil
}
