package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scriptbox/internal/domain"
)

// ExecutionRepository implements execution persistence with GORM.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Create persists a new execution.
func (r *ExecutionRepository) Create(ctx context.Context, e *domain.Execution) error {
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// Get retrieves an execution by ID.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Execution, error) {
	var model ExecutionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", id, notFound(err))
	}
	return toExecutionDomain(&model), nil
}

// Update writes the mutable columns of e in a single conditional statement:
// the row changes only while its stored status is one of e.Status's
// predecessors. A terminal row is never overwritten.
func (r *ExecutionRepository) Update(ctx context.Context, e *domain.Execution) error {
	result := r.db.WithContext(ctx).
		Model(&ExecutionModel{}).
		Where("id = ? AND status IN ?", e.ID, statusStrings(e.Status.Predecessors())).
		Updates(executionUpdates(e))
	if result.Error != nil {
		return fmt.Errorf("updating execution %s: %w", e.ID, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var cur ExecutionModel
	if err := r.db.WithContext(ctx).Select("status").First(&cur, "id = ?", e.ID).Error; err != nil {
		return fmt.Errorf("updating execution %s: %w", e.ID, notFound(err))
	}
	if domain.ExecutionStatus(cur.Status).IsTerminal() {
		return fmt.Errorf("updating execution %s: %w", e.ID, domain.ErrTerminal)
	}
	return fmt.Errorf("updating execution %s from %s to %s: %w", e.ID, cur.Status, e.Status, domain.ErrConflict)
}

// ListByScript returns the newest executions of a script.
func (r *ExecutionRepository) ListByScript(ctx context.Context, scriptID uuid.UUID, limit int) ([]domain.Execution, error) {
	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Where("script_id = ?", scriptID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions of script %s: %w", scriptID, err)
	}
	return toExecutions(models), nil
}

// ListStale returns records in status not updated since cutoff, oldest first.
func (r *ExecutionRepository) ListStale(ctx context.Context, status domain.ExecutionStatus, cutoff time.Time, limit int) ([]domain.Execution, error) {
	var models []ExecutionModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(status), cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing stale %s executions: %w", status, err)
	}
	return toExecutions(models), nil
}

func toExecutions(models []ExecutionModel) []domain.Execution {
	out := make([]domain.Execution, len(models))
	for i := range models {
		out[i] = *toExecutionDomain(&models[i])
	}
	return out
}

func statusStrings(statuses []domain.ExecutionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

