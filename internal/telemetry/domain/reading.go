package telemetry

import (
	"context"
	"time"
)

// Unit is the physical unit of a reading value.
type Unit string

const (
	UnitKWh Unit = "kWh"
	UnitKVA Unit = "kVA"
)

// DefaultChannel is used when an export carries a single unnamed value column.
const DefaultChannel = "kWh"

// keyLayout is the ISO-8601 UTC layout used for duplicate detection.
const keyLayout = "2006-01-02T15:04:05.000Z"

// Reading is one stored meter value.
// Invariant: at most one reading per (MeterID, Channel, TS).
type Reading struct {
	MeterID string
	Channel string
	TS      time.Time
	Value   float64
	Unit    Unit
	Source  string
}

// Key returns the duplicate-detection key of the reading within its meter.
func (r Reading) Key() Key {
	return NewKey(r.Channel, r.TS)
}

// Key identifies a reading inside one meter's reading set.
type Key string

// NewKey builds a key from the channel and the millisecond-normalised UTC timestamp.
func NewKey(channel string, ts time.Time) Key {
	if channel == "" {
		channel = DefaultChannel
	}
	return Key(channel + "|" + ts.UTC().Truncate(time.Millisecond).Format(keyLayout))
}

// Cursor marks the last reading of a page for keyset pagination.
type Cursor struct {
	TS      time.Time
	Channel string
}

// CursorOf returns the cursor positioned after the given reading.
func CursorOf(r Reading) *Cursor {
	return &Cursor{TS: r.TS, Channel: r.Channel}
}

// Repository is the persistence port behind the reading store.
// Implementations must not apply their own duplicate filtering beyond
// ignoring exact-key conflicts; the store handles dedupe and locking.
type Repository interface {
	// ExistingKeys returns keys already stored for meterID in [from, to].
	ExistingKeys(ctx context.Context, meterID string, from, to time.Time) (map[Key]struct{}, error)
	// Insert writes readings and returns how many rows were actually written.
	Insert(ctx context.Context, readings []Reading) (int, error)
	// Delete removes readings for meterID in [from, to] and returns the removed count.
	Delete(ctx context.Context, meterID string, from, to time.Time) (int, error)
	// List returns up to limit readings in [from, to] ordered by (TS, Channel),
	// starting strictly after the cursor when it is non-nil.
	List(ctx context.Context, meterID string, from, to time.Time, after *Cursor, limit int) ([]Reading, error)
}

// InsertResult reports the outcome of a batch insert.
type InsertResult struct {
	Inserted          int
	DuplicatesSkipped int
}
