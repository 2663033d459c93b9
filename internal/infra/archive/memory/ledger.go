// Package memory keeps the export ledger in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cellmonitor/internal/archive/core"
)

// Ledger implements core.Ledger with a map.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]core.Entry
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[string]core.Entry)}
}

// Driver implements core.Ledger.
func (l *Ledger) Driver() core.Driver { return core.DriverMemory }

// Record implements core.Ledger.
func (l *Ledger) Record(_ context.Context, entry core.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[entry.ID]; exists {
		return fmt.Errorf("%s: %w", entry.ID, core.ErrDuplicate)
	}
	l.entries[entry.ID] = entry
	return nil
}

// Get implements core.Ledger.
func (l *Ledger) Get(_ context.Context, id string) (core.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[id]
	if !ok {
		return core.Entry{}, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	return entry, nil
}

// List implements core.Ledger.
func (l *Ledger) List(_ context.Context, filter core.Filter) ([]core.Entry, error) {
	l.mu.RLock()
	out := make([]core.Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if filter.SessionID == "" || e.SessionID == filter.SessionID {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close implements core.Ledger.
func (l *Ledger) Close() error { return nil }
