package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scriptbox/internal/domain"
)

// ScriptRepository implements script persistence with GORM.
type ScriptRepository struct {
	db *gorm.DB
}

// NewScriptRepository creates a ScriptRepository.
func NewScriptRepository(db *gorm.DB) *ScriptRepository {
	return &ScriptRepository{db: db}
}

// Create persists a new script.
func (r *ScriptRepository) Create(ctx context.Context, s *domain.Script) error {
	model := toScriptModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating script: %w", err)
	}
	return nil
}

// Get retrieves a script by ID.
func (r *ScriptRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Script, error) {
	var model ScriptModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting script %s: %w", id, notFound(err))
	}
	return toScriptDomain(&model), nil
}

// Update persists changes to an existing script.
func (r *ScriptRepository) Update(ctx context.Context, s *domain.Script) error {
	result := r.db.WithContext(ctx).
		Model(&ScriptModel{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{
			"name":        s.Name,
			"content":     s.Content,
			"description": s.Description,
			"updated_at":  s.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("updating script %s: %w", s.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating script %s: %w", s.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete soft-deletes a script. Its executions are kept.
func (r *ScriptRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&ScriptModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting script %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deleting script %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns one page of scripts, newest first, and the total count.
func (r *ScriptRepository) List(ctx context.Context, page, size int) ([]domain.Script, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&ScriptModel{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting scripts: %w", err)
	}

	var models []ScriptModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Offset((page - 1) * size).
		Limit(size).
		Find(&models).Error; err != nil {
		return nil, 0, fmt.Errorf("listing scripts: %w", err)
	}
	scripts := make([]domain.Script, len(models))
	for i := range models {
		scripts[i] = *toScriptDomain(&models[i])
	}
	return scripts, total, nil
}

// notFound maps gorm's missing-row error onto domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
