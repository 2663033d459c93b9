package core

import (
	"context"
	"fmt"

	"cellmonitor/pkg/domain"
)

// NewCellCeilingRule returns the commit guard that rejects any state holding
// more live cells than the registry limit.
func NewCellCeilingRule() domain.Rule {
	return cellCeilingRule{}
}

type cellCeilingRule struct{}

func (cellCeilingRule) Name() string { return "cell_ceiling" }

func (cellCeilingRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	count := len(view.ListCells())
	if count <= view.Limit() {
		return domain.Result{}, nil
	}
	return domain.Result{Violations: []domain.Violation{{
		Rule:     "cell_ceiling",
		Severity: domain.SeverityBlock,
		Message:  fmt.Sprintf("registry over capacity: %d/%d cells", count, view.Limit()),
	}}}, nil
}
