// Package archive is the entry point to the export ledger. It re-exports the
// ledger contract and selects a backend from the environment.
package archive

import (
	"context"
	"fmt"
	"os"

	"cellmonitor/internal/archive/core"
	memoryledger "cellmonitor/internal/infra/archive/memory"
	"cellmonitor/internal/infra/archive/postgres"
	"cellmonitor/internal/infra/archive/sqlite"
)

type (
	// Driver identifies a ledger backend.
	Driver = core.Driver
	// Entry records one stored export artifact.
	Entry = core.Entry
	// Filter narrows List results.
	Filter = core.Filter
	// Ledger is the interface implemented by every backend.
	Ledger = core.Ledger
)

const (
	DriverMemory   = core.DriverMemory
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres
)

var (
	ErrNotFound  = core.ErrNotFound
	ErrDuplicate = core.ErrDuplicate
)

// Open selects a Ledger using environment variables:
//
//	CELLMONITOR_ARCHIVE_DRIVER  memory|sqlite|postgres (default memory)
//	CELLMONITOR_SQLITE_PATH     database file when driver=sqlite (default ./cellmonitor.db)
//	CELLMONITOR_POSTGRES_DSN    connection string when driver=postgres
func Open(ctx context.Context) (Ledger, error) {
	driver := Driver(os.Getenv("CELLMONITOR_ARCHIVE_DRIVER"))
	if driver == "" {
		driver = DriverMemory
	}
	switch driver {
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(ctx, os.Getenv("CELLMONITOR_SQLITE_PATH"))
	case DriverPostgres:
		return NewPostgres(ctx, os.Getenv("CELLMONITOR_POSTGRES_DSN"))
	default:
		return nil, fmt.Errorf("unknown archive driver %q", driver)
	}
}

// NewMemory returns a process-local ledger.
func NewMemory() Ledger { return memoryledger.New() }

// NewSQLite opens a SQLite ledger at path.
func NewSQLite(ctx context.Context, path string) (Ledger, error) {
	return sqlite.Open(ctx, path)
}

// NewPostgres opens a Postgres ledger.
func NewPostgres(ctx context.Context, dsn string) (Ledger, error) {
	return postgres.Open(ctx, dsn)
}
