// Package domain defines the battery cell entity, its value types and the
// rule evaluation primitives shared by the cellmonitor core.
package domain

import (
	"math"
	"strings"
	"time"
)

// Chemistry identifies the battery chemistry of a cell.
type Chemistry string

// Supported chemistries. The string form is the tag used in cell identifiers
// and exports.
const (
	ChemistryLFP      Chemistry = "lfp"
	ChemistryLiIon    Chemistry = "li-ion"
	ChemistryNiCad    Chemistry = "nicad"
	ChemistryNiMH     Chemistry = "nimh"
	ChemistryLeadAcid Chemistry = "lead-acid"
)

// DefaultChemistry supplies the nominal voltage for chemistries outside the
// lookup table.
const DefaultChemistry = ChemistryLiIon

var nominalVoltages = map[Chemistry]float64{
	ChemistryLFP:      3.2,
	ChemistryLiIon:    3.6,
	ChemistryNiCad:    1.2,
	ChemistryNiMH:     1.2,
	ChemistryLeadAcid: 2.0,
}

// Chemistries returns the supported chemistries in display order.
func Chemistries() []Chemistry {
	return []Chemistry{ChemistryLFP, ChemistryLiIon, ChemistryNiCad, ChemistryNiMH, ChemistryLeadAcid}
}

// Valid reports whether c is one of the supported chemistries.
func (c Chemistry) Valid() bool {
	_, ok := nominalVoltages[c]
	return ok
}

// NominalVoltage returns the fixed voltage for c. Unknown chemistries fall
// back to the Li-ion voltage.
func (c Chemistry) NominalVoltage() float64 {
	if v, ok := nominalVoltages[c]; ok {
		return v
	}
	return nominalVoltages[DefaultChemistry]
}

// ParseChemistry normalizes s and returns the matching chemistry.
func ParseChemistry(s string) (Chemistry, error) {
	c := Chemistry(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return c, ErrUnknownChemistry{Value: s}
	}
	return c, nil
}

// Status is the derived operating state of a cell.
type Status string

const (
	// StatusReady marks a cell whose current has never been set.
	StatusReady Status = "Ready"
	// StatusActive marks a cell drawing a positive current.
	StatusActive Status = "Active"
	// StatusStandby marks an updated cell with zero current.
	StatusStandby Status = "Standby"
)

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusReady, StatusActive, StatusStandby}
}

// StatusFor derives the status that follows an update to current.
func StatusFor(current float64) Status {
	if current > 0 {
		return StatusActive
	}
	return StatusStandby
}

// Limits applied by the registry and the command surface.
const (
	MaxCells          = 8
	MaxCurrent        = 10.0
	MinTemperature    = 25.0
	MaxTemperature    = 40.0
	MaxRandomCurrent  = 5.0
	CreatedAtLayout   = "2006-01-02 15:04:05"
	capacityPrecision = 100
)

// Cell is one simulated battery unit.
type Cell struct {
	ID             string    `json:"id"`
	Chemistry      Chemistry `json:"chemistry"`
	NominalVoltage float64   `json:"nominal_voltage"`
	Current        float64   `json:"current"`
	Temperature    float64   `json:"temperature"`
	Capacity       float64   `json:"capacity"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ApplyCurrent sets current and recomputes every derived field from it.
func (c *Cell) ApplyCurrent(current float64) {
	c.Current = current
	c.Capacity = CapacityFor(c.NominalVoltage, current)
	c.Status = StatusFor(current)
}

// CapacityFor returns nominalVoltage*current rounded to two decimals.
func CapacityFor(nominalVoltage, current float64) float64 {
	return Round2(nominalVoltage * current)
}

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*capacityPrecision) / capacityPrecision
}

// Round1 rounds v to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Snapshot is an insertion-ordered, read-only copy of every live cell.
type Snapshot []Cell

// Find returns the cell with id.
func (s Snapshot) Find(id string) (Cell, bool) {
	for _, c := range s {
		if c.ID == id {
			return c, true
		}
	}
	return Cell{}, false
}

// IDs returns the cell identifiers in snapshot order.
func (s Snapshot) IDs() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.ID
	}
	return out
}
