package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/sandbox"
)

// Runner drives a single execution from Pending to a terminal state. It is
// the handler behind every job transport.
type Runner struct {
	scripts    ScriptStore
	executions ExecutionStore
	validator  Validator
	engine     sandbox.Engine
	timeout    time.Duration
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a Runner. timeout <= 0 leaves the engine's own default
// in force. metrics may be nil.
func NewRunner(
	scripts ScriptStore,
	executions ExecutionStore,
	validator Validator,
	engine sandbox.Engine,
	timeout time.Duration,
	metrics *Metrics,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		scripts:    scripts,
		executions: executions,
		validator:  validator,
		engine:     engine,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Handle runs the execution with the given ID. Delivering the same ID twice
// is harmless: only a Pending record is ever run. Script failures are
// recorded on the execution; the returned error reports only infrastructure
// problems (loading the record).
func (r *Runner) Handle(ctx context.Context, executionID uuid.UUID) (err error) {
	logger := r.logger.With(slog.String("execution_id", executionID.String()))

	exec, err := r.executions.Get(ctx, executionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.WarnContext(ctx, "execution not found, dropping job")
			return nil
		}
		return fmt.Errorf("loading execution %s: %w", executionID, err)
	}
	if exec.Status != domain.StatusPending {
		logger.DebugContext(ctx, "execution already picked up, skipping",
			slog.String("status", string(exec.Status)),
		)
		return nil
	}

	var started time.Time
	owned := true

	// Every path below ends here: the record is made terminal, stamped
	// once and persisted even if the caller's context is gone.
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorContext(ctx, "runner panic recovered", slog.Any("panic", p))
			exec.Fail(string(sandbox.FaultUnknown), fmt.Sprintf("unexpected fault: %v", p))
			err = nil
		}
		if !owned {
			return
		}
		if !exec.Status.IsTerminal() {
			exec.Fail(string(sandbox.FaultUnknown), "execution interrupted")
		}
		r.finalize(ctx, logger, exec, started)
	}()

	script, err := r.scripts.Get(ctx, exec.ScriptID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			logger.WarnContext(ctx, "script not found", slog.String("script_id", exec.ScriptID.String()))
			exec.Fail(string(sandbox.FaultUnknown), "script not found")
			return nil
		}
		exec.Fail(string(sandbox.FaultUnknown), fmt.Sprintf("loading script: %v", err))
		return nil
	}

	started = r.now()
	exec.Status = domain.StatusRunning
	exec.UpdatedAt = started.UTC()
	if err := r.executions.Update(ctx, exec); err != nil {
		if errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrConflict) {
			owned = false
			logger.InfoContext(ctx, "execution claimed elsewhere, skipping")
			return nil
		}
		exec.Fail(string(sandbox.FaultUnknown), fmt.Sprintf("marking running: %v", err))
		return nil
	}
	logger.InfoContext(ctx, "execution running", slog.String("script_id", script.ID.String()))

	if verdict := r.validator.Validate(script.Content); !verdict.Accepted {
		logger.WarnContext(ctx, "script rejected at run time",
			slog.String("reason", verdict.Reason),
			slog.String("risk", verdict.Risk.String()),
		)
		exec.Fail(string(sandbox.FaultValidationRejected), "script validation failed: "+verdict.Reason)
		return nil
	}

	res, runErr := r.engine.Execute(ctx, sandbox.Request{
		Source:      script.Content,
		Input:       exec.Input,
		ExecutionID: exec.ID.String(),
		Timeout:     r.timeout,
	})
	if runErr != nil {
		fault := sandbox.AsFault(runErr)
		exec.Fail(string(fault.Kind), fault.Message)
		return nil
	}
	exec.Complete(res.Output)
	return nil
}

// finalize stamps and persists the terminal record on a context detached
// from the caller's cancellation.
func (r *Runner) finalize(ctx context.Context, logger *slog.Logger, exec *domain.Execution, started time.Time) {
	now := r.now()
	var elapsed time.Duration
	if !started.IsZero() {
		elapsed = now.Sub(started)
	}
	exec.Finalize(now, elapsed)
	exec.UpdatedAt = now.UTC()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.executions.Update(pctx, exec); err != nil {
		if errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrConflict) {
			logger.WarnContext(ctx, "execution was finalized concurrently, result discarded",
				slog.String("status", string(exec.Status)),
			)
			return
		}
		logger.ErrorContext(ctx, "persisting execution result",
			slog.String("error", err.Error()),
		)
		return
	}

	r.metrics.finished(string(exec.Status), exec.ErrorKind, elapsed.Seconds())
	attrs := []any{
		slog.String("status", string(exec.Status)),
		slog.Int64("elapsed_ms", *exec.ElapsedMs),
	}
	if exec.Status == domain.StatusFailed {
		attrs = append(attrs, slog.String("kind", exec.ErrorKind), slog.String("error", exec.Error))
	}
	logger.InfoContext(ctx, "execution finished", attrs...)
}
