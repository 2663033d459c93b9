// Package sqlite stores the export ledger in a SQLite database using the
// pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"cellmonitor/internal/archive/core"
)

const schema = `CREATE TABLE IF NOT EXISTS exports (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS exports_session_created ON exports(session_id, created_at)`

// sortableLayout keeps created_at fixed width so text ordering is time ordering.
const sortableLayout = "2006-01-02T15:04:05.000000000Z"

// Ledger persists one JSON payload row per export entry.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		path = "cellmonitor.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)
	for _, stmt := range strings.Split(schema, ";") {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Ledger{db: db, path: path}, nil
}

// Driver implements core.Ledger.
func (l *Ledger) Driver() core.Driver { return core.DriverSQLite }

// Path returns the database path.
func (l *Ledger) Path() string { return l.path }

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
		`INSERT INTO exports(id, session_id, created_at, payload) VALUES(?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.SessionID, entry.CreatedAt.UTC().Format(sortableLayout), payload)
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
	err := l.db.QueryRowContext(ctx, `SELECT payload FROM exports WHERE id = ?`, id).Scan(&payload)
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
		query += ` WHERE session_id = ?`
		args = append(args, filter.SessionID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
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

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// DB exposes the handle for tests.
func (l *Ledger) DB() *sql.DB { return l.db }

func decode(payload []byte) (core.Entry, error) {
	var entry core.Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return core.Entry{}, fmt.Errorf("decode entry: %w", err)
	}
	return entry, nil
}
