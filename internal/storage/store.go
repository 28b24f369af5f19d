// Package storage defines the Store interface behind script and execution
// persistence. Three backends are provided: SQLite (default, zero-config),
// PostgreSQL (production) and an in-memory store for tests and local runs.
package storage

import (
	"context"

	"github.com/jkaninda/scriptbox/internal/domain"
	"github.com/jkaninda/scriptbox/internal/execution"
	"github.com/jkaninda/scriptbox/internal/scripts"
)

// ErrNotFound is the sentinel every backend wraps for a missing row.
var ErrNotFound = domain.ErrNotFound

// Store is the unified persistence interface.
type Store interface {
	// Sub-store accessors. The returned stores share one connection pool.
	Scripts() scripts.Store
	Executions() execution.ExecutionStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name.
	Driver() string
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	DefaultDriver = DriverSQLite
)
