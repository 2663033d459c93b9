package core

import (
	"fmt"
	"math"
)

// Aggregates are recomputed from the snapshot on every call; the registry
// holds at most a handful of cells, so nothing is cached.

// TotalCells returns the number of cells in the snapshot.
func TotalCells(snap Snapshot) int {
	return len(snap)
}

// ActiveCells counts cells whose status is Active.
func ActiveCells(snap Snapshot) int {
	n := 0
	for _, c := range snap {
		if c.Status == StatusActive {
			n++
		}
	}
	return n
}

// TotalCapacity sums capacity across all cells.
func TotalCapacity(snap Snapshot) float64 {
	var total float64
	for _, c := range snap {
		total += c.Capacity
	}
	return total
}

// AverageTemperature returns the mean temperature, or 0 for an empty snapshot.
func AverageTemperature(snap Snapshot) float64 {
	if len(snap) == 0 {
		return 0
	}
	var sum float64
	for _, c := range snap {
		sum += c.Temperature
	}
	return sum / float64(len(snap))
}

// TotalCurrent sums current across all cells.
func TotalCurrent(snap Snapshot) float64 {
	var total float64
	for _, c := range snap {
		total += c.Current
	}
	return total
}

// CapacityByChemistry sums capacity grouped by chemistry. Only chemistries
// present in the snapshot appear in the result.
func CapacityByChemistry(snap Snapshot) map[Chemistry]float64 {
	out := make(map[Chemistry]float64)
	for _, c := range snap {
		out[c.Chemistry] += c.Capacity
	}
	return out
}

// StatusCounts counts cells per status. Only statuses present in the
// snapshot appear in the result.
func StatusCounts(snap Snapshot) map[Status]int {
	out := make(map[Status]int)
	for _, c := range snap {
		out[c.Status]++
	}
	return out
}

// TemperatureBucket is one bin of a temperature histogram.
type TemperatureBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// TemperatureHistogram splits [lo, hi] into bins equal-width buckets and
// counts the cells falling into each. Values on the upper edge land in the
// last bucket; values outside the range are ignored.
func TemperatureHistogram(snap Snapshot, lo, hi float64, bins int) []TemperatureBucket {
	if bins <= 0 || hi <= lo {
		return nil
	}
	width := (hi - lo) / float64(bins)
	out := make([]TemperatureBucket, bins)
	for i := range out {
		out[i].Lower = lo + float64(i)*width
		out[i].Upper = lo + float64(i+1)*width
	}
	for _, c := range snap {
		if c.Temperature < lo || c.Temperature > hi {
			continue
		}
		idx := int(math.Floor((c.Temperature - lo) / width))
		if idx >= bins {
			idx = bins - 1
		}
		out[idx].Count++
	}
	return out
}

// Summary bundles every aggregate for a snapshot.
type Summary struct {
	TotalCells          int                   `json:"total_cells"`
	ActiveCells         int                   `json:"active_cells"`
	TotalCapacity       float64               `json:"total_capacity"`
	AverageTemperature  float64               `json:"average_temperature"`
	TotalCurrent        float64               `json:"total_current"`
	CapacityByChemistry map[Chemistry]float64 `json:"capacity_by_chemistry"`
	StatusCounts        map[Status]int        `json:"status_counts"`
	Limit               int                   `json:"limit"`
}

// Summarize computes every aggregate for snap against the given ceiling.
func Summarize(snap Snapshot, limit int) Summary {
	return Summary{
		TotalCells:          TotalCells(snap),
		ActiveCells:         ActiveCells(snap),
		TotalCapacity:       TotalCapacity(snap),
		AverageTemperature:  AverageTemperature(snap),
		TotalCurrent:        TotalCurrent(snap),
		CapacityByChemistry: CapacityByChemistry(snap),
		StatusCounts:        StatusCounts(snap),
		Limit:               limit,
	}
}

// Occupancy renders the "Current cells: n/limit" counter.
func (s Summary) Occupancy() string {
	return fmt.Sprintf("Current cells: %d/%d", s.TotalCells, s.Limit)
}
