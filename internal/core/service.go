package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cellmonitor/pkg/domain"
)

// Outcome is the user-facing result of a command.
type Outcome struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	CellIDs []string `json:"cell_ids,omitempty"`
}

// Service is the command surface over a single session's registry. Every
// mutation goes through it; reads return point-in-time snapshots.
type Service struct {
	registry  *Registry
	clock     Clock
	random    RandomSource
	logger    Logger
	metrics   MetricsRecorder
	tracer    Tracer
	audit     AuditRecorder
	listeners []ChangeListener
	strict    bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock used for creation and audit timestamps.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithRandom injects the random source for temperature, current and
// chemistry draws.
func WithRandom(src RandomSource) Option {
	return func(s *Service) {
		if src != nil {
			s.random = newLockedRandom(src)
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the operation metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the operation tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithChangeListener registers a listener notified after each successful
// mutation.
func WithChangeListener(l ChangeListener) Option {
	return func(s *Service) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

// WithStrictChemistry rejects chemistries outside the supported set instead
// of falling back to the Li-ion voltage.
func WithStrictChemistry(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

func newService(opts []Option) *Service {
	s := &Service{
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewService constructs a command surface over registry. A nil registry is
// replaced by a fresh one using the default rules.
func NewService(registry *Registry, opts ...Option) *Service {
	s := newService(opts)
	if registry == nil {
		registry = NewRegistry(nil, WithRegistryClock(s.clock), WithRegistryRandom(s.random))
	}
	s.registry = registry
	if s.clock == nil {
		s.clock = registry.Clock()
	}
	if s.random == nil {
		s.random = registry.Random()
	}
	return s
}

// NewInMemoryService creates a service and a fresh registry evaluating the
// given rules engine. A nil engine gets the default rule set.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	s := newService(opts)
	s.registry = NewRegistry(engine, WithRegistryClock(s.clock), WithRegistryRandom(s.random))
	s.clock = s.registry.Clock()
	s.random = s.registry.Random()
	return s
}

// Registry returns the underlying registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// AddCell creates a cell of the named chemistry.
func (s *Service) AddCell(ctx context.Context, chemistry string) (Outcome, error) {
	return s.run(ctx, "add_cell", func(ctx context.Context) (Outcome, error) {
		chem, err := s.resolveChemistry(chemistry)
		if err != nil {
			return Outcome{Message: fmt.Sprintf("Unknown cell type: %s", chemistry)}, err
		}
		cell, err := s.registry.AddCell(ctx, chem)
		if err != nil {
			return Outcome{Message: s.failureMessage(err)}, err
		}
		return Outcome{Message: "Added new cell: " + cell.ID, CellIDs: []string{cell.ID}}, nil
	})
}

// RemoveCell deletes the cell with id.
func (s *Service) RemoveCell(ctx context.Context, id string) (Outcome, error) {
	return s.run(ctx, "remove_cell", func(ctx context.Context) (Outcome, error) {
		if err := s.registry.RemoveCell(ctx, id); err != nil {
			return Outcome{Message: s.failureMessage(err), CellIDs: []string{id}}, err
		}
		return Outcome{Message: "Removed cell: " + id, CellIDs: []string{id}}, nil
	})
}

// UpdateCurrent sets the current of one cell. Values outside [0, 10] A are
// rejected before reaching the registry.
func (s *Service) UpdateCurrent(ctx context.Context, id string, current float64) (Outcome, error) {
	return s.run(ctx, "update_current", func(ctx context.Context) (Outcome, error) {
		if err := validateCurrent(current); err != nil {
			return Outcome{Message: s.failureMessage(err), CellIDs: []string{id}}, err
		}
		cell, err := s.registry.UpdateCurrent(ctx, id, current)
		if err != nil {
			return Outcome{Message: s.failureMessage(err), CellIDs: []string{id}}, err
		}
		return Outcome{
			Message: fmt.Sprintf("Updated %s: %.2f A, %.2f Wh", cell.ID, cell.Current, cell.Capacity),
			CellIDs: []string{cell.ID},
		}, nil
	})
}

// UpdateCurrents applies several current updates atomically: either every
// listed cell is updated or none is.
func (s *Service) UpdateCurrents(ctx context.Context, currents map[string]float64) (Outcome, error) {
	return s.run(ctx, "update_currents", func(ctx context.Context) (Outcome, error) {
		for id, current := range currents {
			if err := validateCurrent(current); err != nil {
				return Outcome{Message: s.failureMessage(err), CellIDs: []string{id}}, err
			}
		}
		var ids []string
		_, err := s.registry.RunInTransaction(ctx, func(tx *Transaction) error {
			for id := range currents {
				if _, ok := tx.state.cells[id]; !ok {
					return domain.ErrNotFound{ID: id}
				}
			}
			// Snapshot order keeps the change log deterministic.
			for _, cell := range tx.Snapshot() {
				current, ok := currents[cell.ID]
				if !ok {
					continue
				}
				if _, err := tx.UpdateCurrent(cell.ID, current); err != nil {
					return err
				}
				ids = append(ids, cell.ID)
			}
			return nil
		})
		if err != nil {
			return Outcome{Message: s.failureMessage(err)}, err
		}
		return Outcome{Message: "All currents updated successfully!", CellIDs: ids}, nil
	})
}

// RandomizeAllCurrents assigns every cell a uniform random current in
// [0, 5] A rounded to two decimals.
func (s *Service) RandomizeAllCurrents(ctx context.Context) (Outcome, error) {
	return s.run(ctx, "randomize_currents", func(ctx context.Context) (Outcome, error) {
		var ids []string
		_, err := s.registry.RunInTransaction(ctx, func(tx *Transaction) error {
			for _, cell := range tx.Snapshot() {
				current := domain.Round2(uniform(s.random, 0, domain.MaxRandomCurrent))
				if _, err := tx.UpdateCurrent(cell.ID, current); err != nil {
					return err
				}
				ids = append(ids, cell.ID)
			}
			return nil
		})
		if err != nil {
			return Outcome{Message: s.failureMessage(err)}, err
		}
		return Outcome{Message: fmt.Sprintf("Randomized currents for %d cells", len(ids)), CellIDs: ids}, nil
	})
}

// QuickAddMany attempts n adds with random chemistries and stops quietly at
// the first capacity failure.
func (s *Service) QuickAddMany(ctx context.Context, n int) (Outcome, error) {
	return s.run(ctx, "quick_add", func(ctx context.Context) (Outcome, error) {
		chemistries := domain.Chemistries()
		var ids []string
		full := false
		for i := 0; i < n; i++ {
			chem := chemistries[s.random.IntN(len(chemistries))]
			cell, err := s.registry.AddCell(ctx, chem)
			if errors.Is(err, domain.ErrCapacityExceeded{}) {
				full = true
				break
			}
			if err != nil {
				return Outcome{Message: s.failureMessage(err), CellIDs: ids}, err
			}
			ids = append(ids, cell.ID)
		}
		msg := fmt.Sprintf("Added %d cells", len(ids))
		if full {
			msg = fmt.Sprintf("Added %d of %d cells (maximum %d reached)", len(ids), n, s.registry.Limit())
		}
		return Outcome{Message: msg, CellIDs: ids}, nil
	})
}

// ClearAll removes every cell and restarts identifier numbering at 1.
func (s *Service) ClearAll(ctx context.Context) (Outcome, error) {
	return s.run(ctx, "clear_all", func(ctx context.Context) (Outcome, error) {
		removed := s.registry.ClearAll(ctx)
		return Outcome{Message: "Cleared all cells", CellIDs: removed}, nil
	})
}

// Snapshot returns the current cells in insertion order.
func (s *Service) Snapshot() Snapshot {
	return s.registry.Snapshot()
}

// Summary computes every aggregate over a fresh snapshot.
func (s *Service) Summary() Summary {
	return Summarize(s.registry.Snapshot(), s.registry.Limit())
}

// Export renders a fresh snapshot in the requested format.
func (s *Service) Export(format ExportFormat) ([]byte, error) {
	return format.Render(s.registry.Snapshot())
}

// ExportJSON renders a fresh snapshot as JSON.
func (s *Service) ExportJSON() ([]byte, error) {
	return ExportJSON(s.registry.Snapshot())
}

// ExportCSV renders a fresh snapshot as delimited text.
func (s *Service) ExportCSV() ([]byte, error) {
	return ExportCSV(s.registry.Snapshot())
}

func (s *Service) resolveChemistry(name string) (Chemistry, error) {
	chem, err := domain.ParseChemistry(name)
	if err == nil {
		return chem, nil
	}
	if s.strict {
		return "", err
	}
	s.logger.Warn("unknown chemistry, using default nominal voltage", "chemistry", name, "voltage", chem.NominalVoltage())
	return chem, nil
}

func (s *Service) failureMessage(err error) string {
	var (
		capErr  domain.ErrCapacityExceeded
		current domain.ErrInvalidCurrent
	)
	switch {
	case errors.As(err, &capErr):
		return fmt.Sprintf("Maximum %d cells reached!", capErr.Limit)
	case errors.Is(err, domain.ErrNotFound{}):
		return "Cell not found!"
	case errors.As(err, &current):
		if current.Max > 0 {
			return fmt.Sprintf("Current must be between %v and %v A", current.Min, current.Max)
		}
		return "Current must not be negative"
	default:
		return err.Error()
	}
}

func validateCurrent(current float64) error {
	if math.IsNaN(current) || current < 0 || current > domain.MaxCurrent {
		return domain.ErrInvalidCurrent{Value: current, Min: 0, Max: domain.MaxCurrent}
	}
	return nil
}

func (s *Service) run(ctx context.Context, op string, fn func(context.Context) (Outcome, error)) (Outcome, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	out, err := fn(ctx)
	span.End(err)
	duration := time.Since(start)
	out.Success = err == nil

	s.metrics.Observe(ctx, op, out.Success, duration)
	entry := AuditEntry{
		Operation:  op,
		Status:     AuditStatusSuccess,
		CellIDs:    out.CellIDs,
		Message:    out.Message,
		Duration:   duration,
		OccurredAt: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		s.logger.Warn("operation failed", "operation", op, "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", op, "cells", out.CellIDs)
	}
	s.audit.Record(ctx, entry)
	if err == nil && len(s.listeners) > 0 {
		snap := s.registry.Snapshot()
		for _, l := range s.listeners {
			l.OnChange(ctx, op, snap)
		}
	}
	return out, err
}
