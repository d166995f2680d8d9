package series

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(h, m, s int) time.Time {
	return time.Date(2024, 3, 5, h, m, s, 0, time.UTC)
}

func TestRoundToSlot(t *testing.T) {
	cases := []struct {
		in, want time.Time
	}{
		{at(10, 14, 59), at(10, 0, 0)},
		{at(10, 15, 0), at(10, 30, 0)},
		{at(10, 44, 59), at(10, 30, 0)},
		{at(10, 45, 0), at(11, 0, 0)},
		{at(10, 46, 0), at(11, 0, 0)},
		{at(23, 50, 0), time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)},
		{at(10, 0, 0).Add(999 * time.Millisecond), at(10, 0, 0)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RoundToSlot(tc.in), tc.in.String())
	}
}

func TestSlotWindowReturnsTouchedSlots(t *testing.T) {
	first, last := SlotWindow(at(10, 20, 0), at(12, 50, 0))
	assert.Equal(t, at(10, 30, 0), first)
	assert.Equal(t, at(13, 0, 0), last)

	first, last = SlotWindow(at(12, 0, 0), at(12, 15, 0))
	assert.Equal(t, at(12, 0, 0), first)
	assert.Equal(t, at(12, 30, 0), last)
}

func TestSlotSpanCoversEveryInstantOfItsSlots(t *testing.T) {
	from, to := SlotSpan(at(12, 0, 0), at(12, 30, 0))
	assert.Equal(t, at(11, 45, 0), from)
	assert.Equal(t, at(12, 45, 0).Add(-time.Nanosecond), to)

	assert.Equal(t, at(12, 0, 0), RoundToSlot(from))
	assert.Equal(t, at(12, 30, 0), RoundToSlot(to))
	assert.Equal(t, at(11, 30, 0), RoundToSlot(from.Add(-time.Nanosecond)))
	assert.Equal(t, at(13, 0, 0), RoundToSlot(to.Add(time.Nanosecond)))
}

func TestColumnClassification(t *testing.T) {
	for _, c := range []string{"S", "s", "kVA", "Peak_KVA"} {
		assert.True(t, IsMaxTracked(c), c)
		assert.False(t, IsEnergyColumn(c), c)
	}
	for _, c := range []string{"P1", "p2", "kWh", "Import_KWH"} {
		assert.False(t, IsMaxTracked(c), c)
		assert.True(t, IsEnergyColumn(c), c)
	}
	for _, c := range []string{"Q1", "P", "Pf", "SS"} {
		assert.False(t, IsMaxTracked(c), c)
		assert.False(t, IsEnergyColumn(c), c)
	}
}
