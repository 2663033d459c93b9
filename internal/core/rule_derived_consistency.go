package core

import (
	"context"
	"fmt"

	"cellmonitor/pkg/domain"
)

// NewDerivedConsistencyRule returns the commit guard that rejects states in
// which a touched cell carries a stale capacity, voltage or status.
func NewDerivedConsistencyRule() domain.Rule {
	return derivedConsistencyRule{}
}

type derivedConsistencyRule struct{}

func (derivedConsistencyRule) Name() string { return "derived_consistency" }

func (derivedConsistencyRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	seen := make(map[string]struct{}, len(changes))
	for _, change := range changes {
		if change.Action == domain.ActionDelete {
			continue
		}
		if _, dup := seen[change.CellID]; dup {
			continue
		}
		seen[change.CellID] = struct{}{}
		cell, ok := view.FindCell(change.CellID)
		if !ok {
			continue
		}
		if msg := staleField(cell); msg != "" {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "derived_consistency",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("cell %s: %s", cell.ID, msg),
				CellID:   cell.ID,
			})
		}
	}
	return res, nil
}

func staleField(cell domain.Cell) string {
	if want := cell.Chemistry.NominalVoltage(); cell.NominalVoltage != want {
		return fmt.Sprintf("nominal voltage %v, want %v", cell.NominalVoltage, want)
	}
	if want := domain.CapacityFor(cell.NominalVoltage, cell.Current); cell.Capacity != want {
		return fmt.Sprintf("capacity %v, want %v", cell.Capacity, want)
	}
	switch cell.Status {
	case domain.StatusReady:
		if cell.Current != 0 {
			return fmt.Sprintf("status Ready with current %v", cell.Current)
		}
	case domain.StatusActive:
		if cell.Current <= 0 {
			return fmt.Sprintf("status Active with current %v", cell.Current)
		}
	case domain.StatusStandby:
		if cell.Current != 0 {
			return fmt.Sprintf("status Standby with current %v", cell.Current)
		}
	default:
		return fmt.Sprintf("unknown status %q", cell.Status)
	}
	return ""
}
