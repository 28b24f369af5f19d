// Package execution runs scripts asynchronously: the Service records and
// dispatches executions, the Runner drives one execution to a terminal state,
// and the Sweeper recovers records left behind by crashed workers.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/security"
)

var (
	ErrScriptNotFound    = fmt.Errorf("script %w", domain.ErrNotFound)
	ErrExecutionNotFound = fmt.Errorf("execution %w", domain.ErrNotFound)
	// ErrDispatch is returned by Start when the execution could not be queued.
	ErrDispatch = errors.New("dispatch failed")
)

// ScriptStore reads registered scripts.
type ScriptStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Script, error)
}

// ExecutionStore persists execution records.
// Update must never overwrite a terminal record; it returns domain.ErrTerminal instead.
type ExecutionStore interface {
	Create(ctx context.Context, e *domain.Execution) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error)
	Update(ctx context.Context, e *domain.Execution) error
	ListByScript(ctx context.Context, scriptID uuid.UUID, limit int) ([]domain.Execution, error)
	// ListStale returns records in status whose last update is before cutoff, oldest first.
	ListStale(ctx context.Context, status domain.ExecutionStatus, cutoff time.Time, limit int) ([]domain.Execution, error)
}

// Dispatcher hands an execution ID to the job transport.
type Dispatcher interface {
	Enqueue(ctx context.Context, executionID uuid.UUID) error
}

// Validator is the static script check run before every execution.
type Validator interface {
	Validate(source string) security.Verdict
}
