package domain

import (
	"fmt"
	"strings"
)

// ErrNotFound is returned when an operation references an unknown cell.
type ErrNotFound struct {
	ID string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("cell %s not found", e.ID)
}

// Is matches any ErrNotFound regardless of the identifier.
func (e ErrNotFound) Is(target error) bool {
	_, ok := target.(ErrNotFound)
	return ok
}

// ErrCapacityExceeded is returned when a cell is added to a full registry.
type ErrCapacityExceeded struct {
	Limit int
}

func (e ErrCapacityExceeded) Error() string {
	return fmt.Sprintf("registry at capacity: maximum %d cells", e.Limit)
}

// Is matches any ErrCapacityExceeded regardless of the limit.
func (e ErrCapacityExceeded) Is(target error) bool {
	_, ok := target.(ErrCapacityExceeded)
	return ok
}

// ErrInvalidCurrent is returned when a current value falls outside the
// accepted range.
type ErrInvalidCurrent struct {
	Value float64
	Min   float64
	Max   float64
}

func (e ErrInvalidCurrent) Error() string {
	if e.Max > 0 {
		return fmt.Sprintf("current %v outside [%v, %v]", e.Value, e.Min, e.Max)
	}
	return fmt.Sprintf("current %v must be >= %v", e.Value, e.Min)
}

// Is matches any ErrInvalidCurrent.
func (e ErrInvalidCurrent) Is(target error) bool {
	_, ok := target.(ErrInvalidCurrent)
	return ok
}

// ErrUnknownChemistry is returned by ParseChemistry and by strict registries
// for chemistries outside the supported set.
type ErrUnknownChemistry struct {
	Value string
}

func (e ErrUnknownChemistry) Error() string {
	return fmt.Sprintf("unknown chemistry %q", e.Value)
}

// Is matches any ErrUnknownChemistry.
func (e ErrUnknownChemistry) Is(target error) bool {
	_, ok := target.(ErrUnknownChemistry)
	return ok
}

// Severity captures rule outcomes.
type Severity string

const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	CellID   string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Rule+": "+v.Message)
		}
	}
	if len(msgs) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + strings.Join(msgs, "; ")
}
