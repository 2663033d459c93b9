package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"cellmonitor/pkg/domain"
)

func newTestRegistry(engine *RulesEngine) *Registry {
	return NewRegistry(engine, WithRegistryClock(fixedClock()), WithRegistryRandom(NewSeededRandom(7)))
}

func TestRegistryAddAssignsSequentialIDs(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()

	first, err := reg.AddCell(ctx, domain.ChemistryLFP)
	if err != nil {
		t.Fatalf("add lfp: %v", err)
	}
	second, err := reg.AddCell(ctx, domain.ChemistryLiIon)
	if err != nil {
		t.Fatalf("add li-ion: %v", err)
	}
	if first.ID != "cell_1_lfp" || second.ID != "cell_2_li-ion" {
		t.Fatalf("unexpected ids %s, %s", first.ID, second.ID)
	}
	if first.NominalVoltage != 3.2 || second.NominalVoltage != 3.6 {
		t.Fatalf("unexpected voltages %v, %v", first.NominalVoltage, second.NominalVoltage)
	}
	for _, c := range []Cell{first, second} {
		if c.Status != StatusReady || c.Current != 0 || c.Capacity != 0 {
			t.Fatalf("new cell not ready: %+v", c)
		}
		if c.Temperature < domain.MinTemperature || c.Temperature > domain.MaxTemperature {
			t.Fatalf("temperature out of range: %v", c.Temperature)
		}
		if c.Temperature != domain.Round1(c.Temperature) {
			t.Fatalf("temperature not rounded to one decimal: %v", c.Temperature)
		}
		if !c.CreatedAt.Equal(fixedTime) {
			t.Fatalf("unexpected created at %v", c.CreatedAt)
		}
	}
	if got := reg.Snapshot().IDs(); !reflect.DeepEqual(got, []string{"cell_1_lfp", "cell_2_li-ion"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestRegistrySeededTemperaturesAreDeterministic(t *testing.T) {
	a := newTestRegistry(nil)
	b := newTestRegistry(nil)
	ctx := context.Background()
	for i := 0; i < domain.MaxCells; i++ {
		ca, _ := a.AddCell(ctx, domain.ChemistryNiMH)
		cb, _ := b.AddCell(ctx, domain.ChemistryNiMH)
		if ca.Temperature != cb.Temperature {
			t.Fatalf("cell %d: temperatures diverged %v vs %v", i, ca.Temperature, cb.Temperature)
		}
	}
}

func TestRegistryRejectsNinthCell(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	for i := 0; i < domain.MaxCells; i++ {
		if _, err := reg.AddCell(ctx, domain.ChemistryNiCad); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	_, err := reg.AddCell(ctx, domain.ChemistryNiCad)
	if !errors.Is(err, domain.ErrCapacityExceeded{}) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if reg.Len() != domain.MaxCells {
		t.Fatalf("expected %d cells, got %d", domain.MaxCells, reg.Len())
	}
	if reg.Sequence() != domain.MaxCells {
		t.Fatalf("failed add must not consume a sequence number, got %d", reg.Sequence())
	}
}

func TestRegistryRemoveDoesNotReuseSequence(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := reg.AddCell(ctx, domain.ChemistryLFP); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := reg.RemoveCell(ctx, "cell_2_lfp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	added, err := reg.AddCell(ctx, domain.ChemistryLFP)
	if err != nil {
		t.Fatalf("add after remove: %v", err)
	}
	if added.ID != "cell_4_lfp" {
		t.Fatalf("expected cell_4_lfp, got %s", added.ID)
	}
	want := []string{"cell_1_lfp", "cell_3_lfp", "cell_4_lfp"}
	if got := reg.Snapshot().IDs(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRegistryRemoveUnknownLeavesStateUnchanged(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	if _, err := reg.AddCell(ctx, domain.ChemistryLFP); err != nil {
		t.Fatalf("add: %v", err)
	}
	before := reg.Snapshot()
	err := reg.RemoveCell(ctx, "cell_9_lfp")
	var nf domain.ErrNotFound
	if !errors.As(err, &nf) || nf.ID != "cell_9_lfp" {
		t.Fatalf("expected not found for cell_9_lfp, got %v", err)
	}
	if !reflect.DeepEqual(before, reg.Snapshot()) {
		t.Fatalf("state changed after failed remove")
	}
}

func TestRegistryUpdateCurrentDerivesFields(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	cell, _ := reg.AddCell(ctx, domain.ChemistryLFP)

	updated, err := reg.UpdateCurrent(ctx, cell.ID, 1.5)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Capacity != 4.8 || updated.Status != StatusActive {
		t.Fatalf("unexpected derived values %+v", updated)
	}

	updated, err = reg.UpdateCurrent(ctx, cell.ID, 0)
	if err != nil {
		t.Fatalf("update to zero: %v", err)
	}
	if updated.Capacity != 0 || updated.Status != StatusStandby {
		t.Fatalf("expected standby with zero capacity, got %+v", updated)
	}

	for _, bad := range []float64{-0.1, math.NaN(), math.Inf(1)} {
		if _, err := reg.UpdateCurrent(ctx, cell.ID, bad); !errors.Is(err, domain.ErrInvalidCurrent{}) {
			t.Fatalf("current %v: expected invalid current, got %v", bad, err)
		}
	}
	if _, err := reg.UpdateCurrent(ctx, "cell_5_lfp", 1); !errors.Is(err, domain.ErrNotFound{}) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, _ := reg.Get(cell.ID)
	if got.Status != StatusStandby {
		t.Fatalf("failed updates changed cell: %+v", got)
	}
}

func TestRegistryClearAllResetsSequence(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = reg.AddCell(ctx, domain.ChemistryLeadAcid)
	}
	removed := reg.ClearAll(ctx)
	if len(removed) != 5 || removed[0] != "cell_1_lead-acid" || removed[4] != "cell_5_lead-acid" {
		t.Fatalf("unexpected removed ids %v", removed)
	}
	if reg.Len() != 0 || reg.Sequence() != 0 {
		t.Fatalf("expected empty registry, got len=%d seq=%d", reg.Len(), reg.Sequence())
	}
	cell, err := reg.AddCell(ctx, domain.ChemistryLeadAcid)
	if err != nil {
		t.Fatalf("add after clear: %v", err)
	}
	if cell.ID != "cell_1_lead-acid" {
		t.Fatalf("expected numbering to restart, got %s", cell.ID)
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	boom := errors.New("boom")
	_, err := reg.RunInTransaction(ctx, func(tx *Transaction) error {
		if _, err := tx.AddCell(domain.ChemistryLFP); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if reg.Len() != 0 || reg.Sequence() != 0 {
		t.Fatalf("rolled back transaction leaked state")
	}
}

func TestDerivedConsistencyRuleBlocksStaleCapacity(t *testing.T) {
	reg := newTestRegistry(nil)
	ctx := context.Background()
	cell, _ := reg.AddCell(ctx, domain.ChemistryLiIon)

	_, err := reg.RunInTransaction(ctx, func(tx *Transaction) error {
		stale := tx.state.cells[cell.ID]
		stale.Current = 2
		stale.Status = StatusActive
		tx.state.cells[cell.ID] = stale
		after := stale
		tx.recordChange(Change{Action: ActionUpdate, CellID: cell.ID, After: &after})
		return nil
	})
	var violation RuleViolationError
	if !errors.As(err, &violation) {
		t.Fatalf("expected rule violation, got %v", err)
	}
	if len(violation.Result.Violations) != 1 || violation.Result.Violations[0].Rule != "derived_consistency" {
		t.Fatalf("unexpected violations %+v", violation.Result.Violations)
	}
	got, _ := reg.Get(cell.ID)
	if got.Current != 0 {
		t.Fatalf("blocked transaction committed: %+v", got)
	}
}

type ceilingView struct {
	cells []Cell
	limit int
}

func (v ceilingView) ListCells() []Cell             { return v.cells }
func (v ceilingView) FindCell(string) (Cell, bool) { return Cell{}, false }
func (v ceilingView) Limit() int                   { return v.limit }

func TestCellCeilingRule(t *testing.T) {
	rule := NewCellCeilingRule()
	view := ceilingView{cells: make([]Cell, 3), limit: 3}
	res, err := rule.Evaluate(context.Background(), view, nil)
	if err != nil || len(res.Violations) != 0 {
		t.Fatalf("expected no violation at the limit, got %+v, %v", res, err)
	}
	view.cells = make([]Cell, 4)
	res, err = rule.Evaluate(context.Background(), view, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !res.HasBlocking() {
		t.Fatalf("expected blocking violation over the limit")
	}
}

type warnRule struct{}

func (warnRule) Name() string { return "warn_rule" }

func (warnRule) Evaluate(_ context.Context, view RuleView, _ []Change) (Result, error) {
	return Result{Violations: []Violation{{
		Rule:     "warn_rule",
		Severity: SeverityWarn,
		Message:  fmt.Sprintf("%d cells", len(view.ListCells())),
	}}}, nil
}

func TestWarningViolationsDoNotBlockCommit(t *testing.T) {
	engine := NewDefaultRulesEngine()
	engine.Register(warnRule{})
	reg := newTestRegistry(engine)

	res, err := reg.RunInTransaction(context.Background(), func(tx *Transaction) error {
		_, err := tx.AddCell(domain.ChemistryNiCad)
		return err
	})
	if err != nil {
		t.Fatalf("expected commit, got %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].Message != "1 cells" {
		t.Fatalf("expected warning to be reported, got %+v", res.Violations)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected committed cell")
	}
	if got := engine.Rules(); !reflect.DeepEqual(got, []string{"cell_ceiling", "derived_consistency", "warn_rule"}) {
		t.Fatalf("unexpected rule order %v", got)
	}
}
