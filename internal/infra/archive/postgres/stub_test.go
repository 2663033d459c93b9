package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var stubSeq atomic.Int64

// stubConn understands exactly the statements the ledger issues.
type stubConn struct {
	mu       sync.Mutex
	execs    []string
	rows     []stubRow
	failPing bool
	failExec bool
}

type stubRow struct {
	id        string
	sessionID string
	createdAt time.Time
	payload   string
}

func newStubDB() (*sql.DB, *stubConn) {
	conn := &stubConn{}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type stubDriver struct{ conn *stubConn }

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error)           { return nil, fmt.Errorf("not implemented") }

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, query)
	if c.failExec {
		return nil, fmt.Errorf("exec fail")
	}
	if !strings.HasPrefix(strings.TrimSpace(query), "INSERT INTO exports") {
		return driver.RowsAffected(0), nil
	}
	if len(args) != 4 {
		return nil, fmt.Errorf("expected 4 args, got %d", len(args))
	}
	row := stubRow{
		id:        args[0].Value.(string),
		sessionID: args[1].Value.(string),
		createdAt: args[2].Value.(time.Time),
		payload:   args[3].Value.(string),
	}
	for _, existing := range c.rows {
		if existing.id == row.id {
			return driver.RowsAffected(0), nil
		}
	}
	c.rows = append(c.rows, row)
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]stubRow, 0, len(c.rows))
	for _, row := range c.rows {
		switch {
		case strings.Contains(query, "WHERE id = $1"):
			if row.id != args[0].Value {
				continue
			}
		case strings.Contains(query, "WHERE session_id = $1"):
			if row.sessionID != args[0].Value {
				continue
			}
		}
		matched = append(matched, row)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].createdAt.Equal(matched[j].createdAt) {
			return matched[i].id > matched[j].id
		}
		return matched[i].createdAt.After(matched[j].createdAt)
	})
	if strings.Contains(query, "LIMIT $") {
		limit := int(args[len(args)-1].Value.(int64))
		if len(matched) > limit {
			matched = matched[:limit]
		}
	}
	values := make([][]driver.Value, 0, len(matched))
	for _, row := range matched {
		values = append(values, []driver.Value{[]byte(row.payload)})
	}
	return &stubRows{rows: values}, nil
}

type stubRows struct {
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return []string{"payload"} }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
