package core

import (
	"context"
	"fmt"
	"math"
	"sync"

	"cellmonitor/pkg/domain"
)

type registryState struct {
	cells map[string]Cell
	order []string
	seq   uint64
}

func newRegistryState() registryState {
	return registryState{cells: make(map[string]Cell)}
}

func (s registryState) clone() registryState {
	cloned := registryState{
		cells: make(map[string]Cell, len(s.cells)),
		order: append([]string(nil), s.order...),
		seq:   s.seq,
	}
	for k, v := range s.cells {
		cloned.cells[k] = v
	}
	return cloned
}

func (s registryState) snapshot() Snapshot {
	out := make(Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.cells[id])
	}
	return out
}

// Registry is the authoritative in-memory store of cell records for one
// session. Mutations run as transactions against a cloned state and commit
// only when every registered rule passes.
type Registry struct {
	mu     sync.RWMutex
	state  registryState
	engine *RulesEngine
	limit  int
	clock  Clock
	random RandomSource
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryClock overrides the clock used for creation timestamps.
func WithRegistryClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRegistryRandom overrides the source used for temperature draws.
func WithRegistryRandom(src RandomSource) RegistryOption {
	return func(r *Registry) {
		if src != nil {
			r.random = newLockedRandom(src)
		}
	}
}

// NewRegistry constructs an empty registry evaluating the provided rules on
// every commit. A nil engine gets the default rule set.
func NewRegistry(engine *RulesEngine, opts ...RegistryOption) *Registry {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	r := &Registry{
		state:  newRegistryState(),
		engine: engine,
		limit:  domain.MaxCells,
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.random == nil {
		r.random = newLockedRandom(nil)
	}
	return r
}

// Limit returns the maximum number of live cells.
func (r *Registry) Limit() int { return r.limit }

// Random exposes the registry's serialized random source.
func (r *Registry) Random() RandomSource { return r.random }

// Clock returns the registry clock.
func (r *Registry) Clock() Clock { return r.clock }

// Transaction represents a mutation set applied to a cloned registry state.
type Transaction struct {
	registry *Registry
	state    registryState
	changes  []Change
}

// TransactionView exposes a read-only view of transactional state to rules.
type TransactionView struct {
	state *registryState
	limit int
}

var _ RuleView = TransactionView{}

// ListCells returns the cells in insertion order.
func (v TransactionView) ListCells() []Cell {
	return v.state.snapshot()
}

// FindCell retrieves a cell by id.
func (v TransactionView) FindCell(id string) (Cell, bool) {
	c, ok := v.state.cells[id]
	return c, ok
}

// Limit returns the registry ceiling.
func (v TransactionView) Limit() int { return v.limit }

// RunInTransaction executes fn within a transactional copy of the registry
// state. The copy replaces the live state only when fn succeeds and no
// blocking rule violation is reported.
func (r *Registry) RunInTransaction(ctx context.Context, fn func(tx *Transaction) error) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Transaction{registry: r, state: r.state.clone()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if r.engine != nil {
		res, err := r.engine.Evaluate(ctx, TransactionView{state: &tx.state, limit: r.limit}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, RuleViolationError{Result: res}
		}
	}

	r.state = tx.state
	return result, nil
}

// Snapshot returns the live cells in insertion order as of a single instant.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.snapshot()
}

// Len returns the number of live cells.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.state.order)
}

// Sequence returns the last allocated sequence number.
func (r *Registry) Sequence() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.seq
}

// Get returns a copy of the cell with id.
func (r *Registry) Get(id string) (Cell, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.state.cells[id]
	return c, ok
}

// AddCell creates a cell of the given chemistry in its own transaction.
func (r *Registry) AddCell(ctx context.Context, chemistry Chemistry) (Cell, error) {
	var created Cell
	_, err := r.RunInTransaction(ctx, func(tx *Transaction) error {
		var err error
		created, err = tx.AddCell(chemistry)
		return err
	})
	return created, err
}

// RemoveCell deletes the cell with id in its own transaction.
func (r *Registry) RemoveCell(ctx context.Context, id string) error {
	_, err := r.RunInTransaction(ctx, func(tx *Transaction) error {
		return tx.RemoveCell(id)
	})
	return err
}

// UpdateCurrent sets the current of a cell in its own transaction.
func (r *Registry) UpdateCurrent(ctx context.Context, id string, current float64) (Cell, error) {
	var updated Cell
	_, err := r.RunInTransaction(ctx, func(tx *Transaction) error {
		var err error
		updated, err = tx.UpdateCurrent(id, current)
		return err
	})
	return updated, err
}

// ClearAll removes every cell, resets the identifier sequence and returns
// the removed ids in insertion order.
func (r *Registry) ClearAll(ctx context.Context) []string {
	var removed []string
	// Clearing cannot violate the ceiling or derived-value rules.
	_, _ = r.RunInTransaction(ctx, func(tx *Transaction) error {
		removed = tx.ClearAll()
		return nil
	})
	return removed
}

func (tx *Transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Len returns the number of cells in the transactional state.
func (tx *Transaction) Len() int { return len(tx.state.order) }

// Snapshot returns the transactional state in insertion order.
func (tx *Transaction) Snapshot() Snapshot { return tx.state.snapshot() }

// AddCell allocates the next sequence number and inserts a new cell.
func (tx *Transaction) AddCell(chemistry Chemistry) (Cell, error) {
	if len(tx.state.order) >= tx.registry.limit {
		return Cell{}, domain.ErrCapacityExceeded{Limit: tx.registry.limit}
	}
	tx.state.seq++
	id := fmt.Sprintf("cell_%d_%s", tx.state.seq, chemistry)
	if _, exists := tx.state.cells[id]; exists {
		return Cell{}, fmt.Errorf("cell %q already exists", id)
	}
	temperature := domain.Round1(uniform(tx.registry.random, domain.MinTemperature, domain.MaxTemperature))
	cell := Cell{
		ID:             id,
		Chemistry:      chemistry,
		NominalVoltage: chemistry.NominalVoltage(),
		Temperature:    temperature,
		Status:         StatusReady,
		CreatedAt:      tx.registry.clock.Now(),
	}
	tx.state.cells[id] = cell
	tx.state.order = append(tx.state.order, id)
	after := cell
	tx.recordChange(Change{Action: ActionCreate, CellID: id, After: &after})
	return cell, nil
}

// RemoveCell deletes a cell. The sequence number is not reclaimed.
func (tx *Transaction) RemoveCell(id string) error {
	current, ok := tx.state.cells[id]
	if !ok {
		return domain.ErrNotFound{ID: id}
	}
	delete(tx.state.cells, id)
	for i, existing := range tx.state.order {
		if existing == id {
			tx.state.order = append(tx.state.order[:i], tx.state.order[i+1:]...)
			break
		}
	}
	before := current
	tx.recordChange(Change{Action: ActionDelete, CellID: id, Before: &before})
	return nil
}

// UpdateCurrent sets current and recomputes capacity and status.
func (tx *Transaction) UpdateCurrent(id string, current float64) (Cell, error) {
	cell, ok := tx.state.cells[id]
	if !ok {
		return Cell{}, domain.ErrNotFound{ID: id}
	}
	if math.IsNaN(current) || math.IsInf(current, 0) || current < 0 {
		return Cell{}, domain.ErrInvalidCurrent{Value: current}
	}
	before := cell
	cell.ApplyCurrent(current)
	tx.state.cells[id] = cell
	after := cell
	tx.recordChange(Change{Action: ActionUpdate, CellID: id, Before: &before, After: &after})
	return cell, nil
}

// ClearAll removes every cell, resets the sequence counter to zero and
// returns the removed ids.
func (tx *Transaction) ClearAll() []string {
	removed := make([]string, 0, len(tx.state.order))
	for _, id := range tx.state.order {
		before := tx.state.cells[id]
		tx.recordChange(Change{Action: ActionDelete, CellID: id, Before: &before})
		removed = append(removed, id)
	}
	tx.state = newRegistryState()
	return removed
}
