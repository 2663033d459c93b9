package core

import (
	"math"
	"testing"

	"cellmonitor/pkg/domain"
)

func sampleSnapshot() Snapshot {
	lfp := Cell{ID: "cell_1_lfp", Chemistry: domain.ChemistryLFP, NominalVoltage: 3.2, Temperature: 30, Status: StatusReady}
	lfp.ApplyCurrent(1.5)
	nimh := Cell{ID: "cell_2_nimh", Chemistry: domain.ChemistryNiMH, NominalVoltage: 1.2, Temperature: 36, Status: StatusReady}
	nimh.ApplyCurrent(0)
	lfp2 := Cell{ID: "cell_3_lfp", Chemistry: domain.ChemistryLFP, NominalVoltage: 3.2, Temperature: 39.9, Status: StatusReady}
	return Snapshot{lfp, nimh, lfp2}
}

func TestAggregates(t *testing.T) {
	snap := sampleSnapshot()
	if TotalCells(snap) != 3 {
		t.Fatalf("expected 3 cells")
	}
	if ActiveCells(snap) != 1 {
		t.Fatalf("expected 1 active cell, got %d", ActiveCells(snap))
	}
	if TotalCapacity(snap) != 4.8 {
		t.Fatalf("expected capacity 4.8, got %v", TotalCapacity(snap))
	}
	if TotalCurrent(snap) != 1.5 {
		t.Fatalf("expected current 1.5, got %v", TotalCurrent(snap))
	}
	if avg := AverageTemperature(snap); math.Abs(avg-35.3) > 1e-9 {
		t.Fatalf("expected average 35.3, got %v", avg)
	}
	byChem := CapacityByChemistry(snap)
	if len(byChem) != 2 || byChem[domain.ChemistryLFP] != 4.8 || byChem[domain.ChemistryNiMH] != 0 {
		t.Fatalf("unexpected capacity by chemistry %v", byChem)
	}
	counts := StatusCounts(snap)
	if counts[StatusActive] != 1 || counts[StatusStandby] != 1 || counts[StatusReady] != 1 {
		t.Fatalf("unexpected status counts %v", counts)
	}
}

func TestAggregateScenarios(t *testing.T) {
	cell := func(id string, chem Chemistry, current float64) Cell {
		c := Cell{ID: id, Chemistry: chem, NominalVoltage: chem.NominalVoltage(), Temperature: 30, Status: StatusReady}
		c.ApplyCurrent(current)
		return c
	}
	cases := []struct {
		name     string
		snap     Snapshot
		capacity float64
		active   int
		total    int
	}{
		{
			name:     "li-ion idle and loaded",
			snap:     Snapshot{cell("cell_1_li-ion", domain.ChemistryLiIon, 0), cell("cell_2_li-ion", domain.ChemistryLiIon, 2.5)},
			capacity: 9.0,
			active:   1,
			total:    2,
		},
		{
			name:     "single lfp",
			snap:     Snapshot{cell("cell_1_lfp", domain.ChemistryLFP, 1.5)},
			capacity: 4.8,
			active:   1,
			total:    1,
		},
		{name: "empty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TotalCapacity(tc.snap); got != tc.capacity {
				t.Fatalf("expected capacity %v, got %v", tc.capacity, got)
			}
			if got := ActiveCells(tc.snap); got != tc.active {
				t.Fatalf("expected %d active, got %d", tc.active, got)
			}
			if got := TotalCells(tc.snap); got != tc.total {
				t.Fatalf("expected %d cells, got %d", tc.total, got)
			}
		})
	}
}

func TestAggregatesOnEmptySnapshot(t *testing.T) {
	sum := Summarize(nil, domain.MaxCells)
	if sum.TotalCells != 0 || sum.ActiveCells != 0 || sum.TotalCapacity != 0 || sum.TotalCurrent != 0 {
		t.Fatalf("expected zero summary, got %+v", sum)
	}
	if sum.AverageTemperature != 0 {
		t.Fatalf("average of nothing must be 0, got %v", sum.AverageTemperature)
	}
	if len(sum.CapacityByChemistry) != 0 || len(sum.StatusCounts) != 0 {
		t.Fatalf("expected empty groupings")
	}
	if sum.Occupancy() != "Current cells: 0/8" {
		t.Fatalf("unexpected occupancy %q", sum.Occupancy())
	}
}

func TestTemperatureHistogram(t *testing.T) {
	snap := sampleSnapshot()
	snap = append(snap, Cell{ID: "cell_4_lfp", Temperature: 40}, Cell{ID: "cell_5_lfp", Temperature: 12})
	buckets := TemperatureHistogram(snap, domain.MinTemperature, domain.MaxTemperature, 3)
	if len(buckets) != 3 {
		t.Fatalf("expected 3 buckets, got %d", len(buckets))
	}
	want := []int{0, 1, 3}
	for i, b := range buckets {
		if b.Count != want[i] {
			t.Fatalf("bucket %d [%v,%v): expected %d, got %d", i, b.Lower, b.Upper, want[i], b.Count)
		}
	}
	if buckets[0].Lower != 25 || buckets[2].Upper != 40 {
		t.Fatalf("unexpected bounds %+v", buckets)
	}
	if TemperatureHistogram(snap, 40, 25, 3) != nil || TemperatureHistogram(snap, 25, 40, 0) != nil {
		t.Fatalf("degenerate histograms should be nil")
	}
}
