package series

import (
	"math"
	"sort"
	"time"
)

// Status distinguishes "no data" from a populated result.
type Status string

const (
	StatusOK    Status = "ok"
	StatusEmpty Status = "empty"
)

// Contribution is one child value entering the aggregate.
type Contribution struct {
	TS     time.Time
	Column string
	Value  float64
	Sign   float64
}

// Point is one synthetic value of the parent series.
type Point struct {
	Slot   time.Time
	Column string
	Value  float64
}

// Summary holds the aggregate series and its post-hoc totals.
type Summary struct {
	Status          Status
	Points          []Point
	ColumnTotals    map[string]float64
	ColumnMaxValues map[string]float64
	TotalEnergyKWh  float64
	Contributions   int
}

type slotKey struct {
	slot   int64
	column string
}

// Accumulator sums signed contributions per (slot, column).
// The zero value is not usable; use NewAccumulator.
type Accumulator struct {
	columns map[string]struct{}
	sums    map[slotKey]float64
	count   int
}

// NewAccumulator restricts accumulation to columns; no columns means all.
func NewAccumulator(columns []string) *Accumulator {
	a := &Accumulator{sums: make(map[slotKey]float64)}
	if len(columns) > 0 {
		a.columns = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			a.columns[c] = struct{}{}
		}
	}
	return a
}

// Add records a contribution and reports whether its column was accepted.
func (a *Accumulator) Add(c Contribution) bool {
	if a.columns != nil {
		if _, ok := a.columns[c.Column]; !ok {
			return false
		}
	}
	sign := c.Sign
	if sign == 0 {
		sign = 1
	}
	key := slotKey{slot: RoundToSlot(c.TS).Unix(), column: c.Column}
	a.sums[key] += c.Value * sign
	a.count++
	return true
}

// Len returns the number of accepted contributions.
func (a *Accumulator) Len() int { return a.count }

// Summarize returns points ordered by (slot, column) plus column totals.
// Max-tracked columns report their peak, sum-tracked columns their sum.
func (a *Accumulator) Summarize() Summary {
	summary := Summary{
		Status:          StatusEmpty,
		ColumnTotals:    make(map[string]float64),
		ColumnMaxValues: make(map[string]float64),
		Contributions:   a.count,
	}
	if a.count == 0 {
		return summary
	}
	summary.Status = StatusOK

	summary.Points = make([]Point, 0, len(a.sums))
	for key, value := range a.sums {
		summary.Points = append(summary.Points, Point{
			Slot:   time.Unix(key.slot, 0).UTC(),
			Column: key.column,
			Value:  value,
		})
	}
	sort.Slice(summary.Points, func(i, j int) bool {
		if !summary.Points[i].Slot.Equal(summary.Points[j].Slot) {
			return summary.Points[i].Slot.Before(summary.Points[j].Slot)
		}
		return summary.Points[i].Column < summary.Points[j].Column
	})

	for _, p := range summary.Points {
		if IsMaxTracked(p.Column) {
			current, ok := summary.ColumnMaxValues[p.Column]
			if !ok {
				current = math.Inf(-1)
			}
			summary.ColumnMaxValues[p.Column] = math.Max(current, p.Value)
			continue
		}
		summary.ColumnTotals[p.Column] += p.Value
	}
	for column, total := range summary.ColumnTotals {
		if IsEnergyColumn(column) {
			summary.TotalEnergyKWh += total
		}
	}
	return summary
}
