package postgres

import (
	"context"

	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/scripts"
	"github.com/jkaninda/scriptbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB       *DB
	scripts    *ScriptRepository
	executions *ExecutionRepository
}

var (
	_ storage.Store            = (*Store)(nil)
	_ scripts.Store            = (*ScriptRepository)(nil)
	_ execution.ScriptStore    = (*ScriptRepository)(nil)
	_ execution.ExecutionStore = (*ExecutionRepository)(nil)
)

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:       pgDB,
		scripts:    NewScriptRepository(pgDB.GormDB()),
		executions: NewExecutionRepository(pgDB.GormDB()),
	}
}

func (s *Store) Scripts() scripts.Store {
	return s.scripts
}

func (s *Store) Executions() execution.ExecutionStore {
	return s.executions
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}
