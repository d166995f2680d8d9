package events

import "time"

// ImportCompleted is emitted once per processed file.
type ImportCompleted struct {
	ItemID            string    `json:"item_id"`
	MeterID           string    `json:"meter_id"`
	FileName          string    `json:"file_name"`
	Status            string    `json:"status"`
	TotalRows         int       `json:"total_rows"`
	Inserted          int       `json:"inserted"`
	DuplicatesSkipped int       `json:"duplicates_skipped"`
	ParseErrors       int       `json:"parse_errors"`
	Error             string    `json:"error,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// Subject keys the event by the imported meter.
func (e ImportCompleted) Subject() (string, time.Time) { return e.MeterID, e.OccurredAt }
