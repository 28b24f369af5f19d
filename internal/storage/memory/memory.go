// Package memory is a map-backed storage.Store. It is used by tests and by
// `scriptbox run`, where nothing needs to outlive the process.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/scripts"
	"github.com/jkaninda/scriptbox/internal/storage"
)

// Store keeps scripts and executions in maps guarded by one mutex.
// Records are copied on the way in and out.
type Store struct {
	mu         sync.RWMutex
	scripts    map[uuid.UUID]domain.Script
	executions map[uuid.UUID]domain.Execution
}

var (
	_ storage.Store            = (*Store)(nil)
	_ scripts.Store            = (*ScriptRepository)(nil)
	_ execution.ExecutionStore = (*ExecutionRepository)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		scripts:    make(map[uuid.UUID]domain.Script),
		executions: make(map[uuid.UUID]domain.Execution),
	}
}

func (s *Store) Scripts() scripts.Store { return &ScriptRepository{s: s} }
func (s *Store) Executions() execution.ExecutionStore { return &ExecutionRepository{s: s} }
func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error { return nil }
func (s *Store) Driver() string { return storage.DriverMemory }

// ScriptRepository is the script view of a Store.
type ScriptRepository struct {
	s *Store
}

func (r *ScriptRepository) Create(_ context.Context, sc *domain.Script) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.scripts[sc.ID]; ok {
		return fmt.Errorf("script %s already exists", sc.ID)
	}
	r.s.scripts[sc.ID] = *sc
	return nil
}

func (r *ScriptRepository) Get(_ context.Context, id uuid.UUID) (*domain.Script, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sc, ok := r.s.scripts[id]
	if !ok {
		return nil, fmt.Errorf("getting script %s: %w", id, storage.ErrNotFound)
	}
	return &sc, nil
}

func (r *ScriptRepository) Update(_ context.Context, sc *domain.Script) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.scripts[sc.ID]; !ok {
		return fmt.Errorf("updating script %s: %w", sc.ID, storage.ErrNotFound)
	}
	r.s.scripts[sc.ID] = *sc
	return nil
}

func (r *ScriptRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.scripts[id]; !ok {
		return fmt.Errorf("deleting script %s: %w", id, storage.ErrNotFound)
	}
	delete(r.s.scripts, id)
	return nil
}

func (r *ScriptRepository) List(_ context.Context, page, size int) ([]domain.Script, int64, error) {
	r.s.mu.RLock()
	all := make([]domain.Script, 0, len(r.s.scripts))
	for _, sc := range r.s.scripts {
		all = append(all, sc)
	}
	r.s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	start := (page - 1) * size
	if start >= len(all) {
		return []domain.Script{}, int64(len(all)), nil
	}
	end := min(start+size, len(all))
	return all[start:end], int64(len(all)), nil
}

// ExecutionRepository is the execution view of a Store.
type ExecutionRepository struct {
	s *Store
}

func (r *ExecutionRepository) Create(_ context.Context, e *domain.Execution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.executions[e.ID]; ok {
		return fmt.Errorf("execution %s already exists", e.ID)
	}
	r.s.executions[e.ID] = *e
	return nil
}

func (r *ExecutionRepository) Get(_ context.Context, id uuid.UUID) (*domain.Execution, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	e, ok := r.s.executions[id]
	if !ok {
		return nil, fmt.Errorf("getting execution %s: %w", id, storage.ErrNotFound)
	}
	return &e, nil
}

// Update applies e only when the stored status allows e.Status.
func (r *ExecutionRepository) Update(_ context.Context, e *domain.Execution) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.executions[e.ID]
	switch {
	case !ok:
		return fmt.Errorf("updating execution %s: %w", e.ID, storage.ErrNotFound)
	case cur.Status.IsTerminal():
		return fmt.Errorf("updating execution %s: %w", e.ID, domain.ErrTerminal)
	case !slices.Contains(e.Status.Predecessors(), cur.Status):
		return fmt.Errorf("updating execution %s from %s to %s: %w", e.ID, cur.Status, e.Status, domain.ErrConflict)
	}
	r.s.executions[e.ID] = *e
	return nil
}

func (r *ExecutionRepository) ListByScript(_ context.Context, scriptID uuid.UUID, limit int) ([]domain.Execution, error) {
	return r.filter(func(e domain.Execution) bool { return e.ScriptID == scriptID },
		func(a, b domain.Execution) bool { return a.CreatedAt.After(b.CreatedAt) }, limit), nil
}

func (r *ExecutionRepository) ListStale(_ context.Context, status domain.ExecutionStatus, cutoff time.Time, limit int) ([]domain.Execution, error) {
	return r.filter(func(e domain.Execution) bool { return e.Status == status && e.UpdatedAt.Before(cutoff) },
		func(a, b domain.Execution) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (r *ExecutionRepository) filter(keep func(domain.Execution) bool, less func(a, b domain.Execution) bool, limit int) []domain.Execution {
	r.s.mu.RLock()
	out := make([]domain.Execution, 0)
	for _, e := range r.s.executions {
		if keep(e) {
			out = append(out, e)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
