// Package core defines the export ledger contract implemented by the infra
// archive backends.
package core

import (
	"context"
	"errors"
	"time"
)

// Driver identifies a ledger backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Entry records one export artifact written to blob storage. The registry
// itself is never persisted; the ledger only remembers what was exported.
type Entry struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	SessionID     string    `json:"session_id"`
	Format        string    `json:"format"`
	Key           string    `json:"key"`
	Size          int64     `json:"size_bytes"`
	ETag          string    `json:"etag,omitempty"`
	CellCount     int       `json:"cell_count"`
	TotalCapacity float64   `json:"total_capacity"`
	RequestedBy   string    `json:"requested_by,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SessionID string
	Limit     int
}

// Ledger stores export entries.
type Ledger interface {
	Record(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	// List returns matching entries newest first.
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Close() error
	Driver() Driver
}

var (
	// ErrNotFound is returned by Get for unknown ids.
	ErrNotFound = errors.New("archive: entry not found")
	// ErrDuplicate is returned by Record when the id is already stored.
	ErrDuplicate = errors.New("archive: duplicate entry")
)

// Validate checks the fields every backend requires.
func (e Entry) Validate() error {
	switch {
	case e.ID == "":
		return errors.New("archive: entry id required")
	case e.Key == "":
		return errors.New("archive: entry key required")
	case e.CreatedAt.IsZero():
		return errors.New("archive: entry created_at required")
	}
	return nil
}
