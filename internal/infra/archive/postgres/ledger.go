// Package postgres stores the export ledger in Postgres through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"cellmonitor/internal/archive/core"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/cellmonitor?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Ledger persists export entries as JSONB payload rows.
type Ledger struct {
	db *sql.DB
}

// Open connects using dsn (falls back to defaultDSN) and ensures the table
// exists.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS exports (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure exports table: %w", err)
	}
	return nil
}

// Driver implements core.Ledger.
func (l *Ledger) Driver() core.Driver { return core.DriverPostgres }

// DB exposes the underlying sql.DB for integration testing hooks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Record implements core.Ledger.
func (l *Ledger) Record(ctx context.Context, entry core.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO exports (id, session_id, created_at, payload) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.SessionID, entry.CreatedAt.UTC(), string(payload))
	if err != nil {
		return fmt.Errorf("insert %s: %w", entry.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", entry.ID, core.ErrDuplicate)
	}
	return nil
}

// Get implements core.Ledger.
func (l *Ledger) Get(ctx context.Context, id string) (core.Entry, error) {
	var payload []byte
	err := l.db.QueryRowContext(ctx, `SELECT payload FROM exports WHERE id = $1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Entry{}, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Entry{}, fmt.Errorf("select %s: %w", id, err)
	}
	return decode(payload)
}

// List implements core.Ledger.
func (l *Ledger) List(ctx context.Context, filter core.Filter) ([]core.Entry, error) {
	query := `SELECT payload FROM exports`
	var args []any
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		query += ` WHERE session_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select exports: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []core.Entry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entry, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (l *Ledger) Close() error { return l.db.Close() }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}

func decode(payload []byte) (core.Entry, error) {
	var entry core.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return core.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}
