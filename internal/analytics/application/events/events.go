package events

import (
	"time"

	"gridledger/internal/analytics/domain/series"
)

// AggregationCompleted is emitted after a parent series has been regenerated
// or found to have no child data. Window uses [From, To] semantics.
type AggregationCompleted struct {
	ParentMeterID  string
	From           time.Time
	To             time.Time
	Status         series.Status
	Slots          int
	Deleted        int
	Inserted       int
	TotalEnergyKWh float64
	OccurredAt     time.Time
}

// Subject keys the event by the regenerated parent.
func (e AggregationCompleted) Subject() (string, time.Time) { return e.ParentMeterID, e.OccurredAt }
