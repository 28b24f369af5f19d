package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/scriptbox/internal/config"
	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/sandbox"
)

const sweepBatch = 100

// SweepResult counts what one sweep did.
type SweepResult struct {
	Abandoned int
	Requeued  int
}

// Sweeper periodically fails Running records whose worker is gone and
// re-queues Pending records that were never picked up.
type Sweeper struct {
	executions ExecutionStore
	dispatcher Dispatcher
	schedule   cron.Schedule
	spec       string
	// Running records older than this are abandoned.
	staleAfter   time.Duration
	requeueAfter time.Duration
	metrics      *Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewSweeper creates a Sweeper. runTimeout is the sandbox timeout; a Running
// record is only swept once it is older than runTimeout plus the grace period.
func NewSweeper(
	executions ExecutionStore,
	dispatcher Dispatcher,
	cfg *config.SweeperConfig,
	runTimeout time.Duration,
	metrics *Metrics,
	logger *slog.Logger,
) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if runTimeout <= 0 {
		runTimeout = sandbox.DefaultTimeout
	}
	sched, err := cron.ParseStandard(cfg.Spec())
	if err != nil {
		return nil, fmt.Errorf("parsing sweeper schedule %q: %w", cfg.Spec(), err)
	}
	return &Sweeper{
		executions:   executions,
		dispatcher:   dispatcher,
		schedule:     sched,
		spec:         cfg.Spec(),
		staleAfter:   runTimeout + cfg.Grace(),
		requeueAfter: cfg.RequeueAfter(),
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Start runs one sweep immediately, then one per schedule tick. Returns a
// cancel function.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "execution sweeper started",
			slog.String("schedule", s.spec),
			slog.String("stale_after", s.staleAfter.String()),
			slog.String("requeue_after", s.requeueAfter.String()),
		)
		s.run(ctx)

		for {
			next := s.schedule.Next(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("execution sweeper stopped")
				return
			case <-timer.C:
				s.run(ctx)
			}
		}
	}()

	return cancel
}

func (s *Sweeper) run(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "execution sweep failed", slog.String("error", err.Error()))
		return
	}
	if res.Abandoned > 0 || res.Requeued > 0 {
		s.logger.InfoContext(ctx, "execution sweep done",
			slog.Int("abandoned", res.Abandoned),
			slog.Int("requeued", res.Requeued),
		)
	}
}

// Sweep performs a single recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()

	running, err := s.executions.ListStale(ctx, domain.StatusRunning, now.Add(-s.staleAfter), sweepBatch)
	if err != nil {
		return res, fmt.Errorf("listing stale running executions: %w", err)
	}
	for i := range running {
		exec := &running[i]
		exec.Fail(string(sandbox.FaultUnknown), "execution abandoned")
		exec.Finalize(now, now.Sub(exec.UpdatedAt))
		exec.UpdatedAt = now
		if err := s.executions.Update(ctx, exec); err != nil {
			if errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrConflict) {
				continue
			}
			return res, fmt.Errorf("failing abandoned execution %s: %w", exec.ID, err)
		}
		res.Abandoned++
		s.metrics.swept("abandoned")
		s.logger.WarnContext(ctx, "execution abandoned",
			slog.String("execution_id", exec.ID.String()),
		)
	}

	pending, err := s.executions.ListStale(ctx, domain.StatusPending, now.Add(-s.requeueAfter), sweepBatch)
	if err != nil {
		return res, fmt.Errorf("listing stale pending executions: %w", err)
	}
	for i := range pending {
		exec := &pending[i]
		if err := s.dispatcher.Enqueue(ctx, exec.ID); err != nil {
			s.logger.ErrorContext(ctx, "re-queueing execution",
				slog.String("execution_id", exec.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		// Touch the record so the next pass does not queue it again at once.
		// A worker may have claimed it in the meantime; that is fine.
		exec.UpdatedAt = now
		if err := s.executions.Update(ctx, exec); err != nil &&
			!errors.Is(err, domain.ErrTerminal) && !errors.Is(err, domain.ErrConflict) {
			return res, fmt.Errorf("touching requeued execution %s: %w", exec.ID, err)
		}
		res.Requeued++
		s.metrics.swept("requeued")
	}
	return res, nil
}
