package core

import "cellmonitor/pkg/domain"

type (
	Cell               = domain.Cell
	Chemistry          = domain.Chemistry
	Status             = domain.Status
	Snapshot           = domain.Snapshot
	Change             = domain.Change
	Action             = domain.Action
	Rule               = domain.Rule
	RuleView           = domain.RuleView
	RulesEngine        = domain.RulesEngine
	Violation          = domain.Violation
	Result             = domain.Result
	RuleViolationError = domain.RuleViolationError
)

const (
	StatusReady   = domain.StatusReady
	StatusActive  = domain.StatusActive
	StatusStandby = domain.StatusStandby
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}
