package series

import (
	"strings"
	"time"
)

// SlotWidth is the aggregation bucket width.
const SlotWidth = 30 * time.Minute

// RoundToSlot maps a timestamp to its 30-minute slot in UTC:
// minute < 15 floors to :00, [15,45) goes to :30, >= 45 advances to the next hour.
// Seconds and sub-seconds are dropped before rounding.
func RoundToSlot(ts time.Time) time.Time {
	ts = ts.UTC()
	hour := time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), 0, 0, 0, time.UTC)
	switch m := ts.Minute(); {
	case m < 15:
		return hour
	case m < 45:
		return hour.Add(30 * time.Minute)
	default:
		return hour.Add(time.Hour)
	}
}

// SlotWindow returns the first and last slot that readings in [from, to] round into.
func SlotWindow(from, to time.Time) (time.Time, time.Time) {
	return RoundToSlot(from), RoundToSlot(to)
}

// SlotSpan returns the inclusive range of instants that round into the slots
// first through last: [first-15m, last+15m).
func SlotSpan(first, last time.Time) (time.Time, time.Time) {
	half := SlotWidth / 2
	return first.UTC().Add(-half), last.UTC().Add(half - time.Nanosecond)
}

// IsMaxTracked reports whether a column holds a peak quantity (kVA-like).
func IsMaxTracked(column string) bool {
	lower := strings.ToLower(column)
	return strings.Contains(lower, "kva") || lower == "s"
}

// IsEnergyColumn reports whether a sum-tracked column counts towards total energy:
// its name contains "kwh" or starts with P followed by a digit.
func IsEnergyColumn(column string) bool {
	if IsMaxTracked(column) {
		return false
	}
	if strings.Contains(strings.ToLower(column), "kwh") {
		return true
	}
	return len(column) >= 2 && (column[0] == 'P' || column[0] == 'p') && column[1] >= '0' && column[1] <= '9'
}
