package telemetry

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyMeterID is returned when a meter id is missing.
	ErrEmptyMeterID = errors.New("telemetry: empty meter id")
	// ErrInvalidRange is returned when a time range is zero or inverted.
	ErrInvalidRange = errors.New("telemetry: invalid time range")
	// ErrInvalidReading is returned when a reading lacks a timestamp or belongs to another meter.
	ErrInvalidReading = errors.New("telemetry: invalid reading")
	// ErrStoreUnavailable marks systemic storage failures (backend unreachable).
	ErrStoreUnavailable = errors.New("telemetry: store unavailable")
)

// BatchWriteError reports a failed batch together with the progress made before it.
type BatchWriteError struct {
	Batch             int
	Inserted          int
	DuplicatesSkipped int
	Err               error
}

func (e *BatchWriteError) Error() string {
	return fmt.Sprintf("telemetry: batch %d failed after %d inserted: %v", e.Batch, e.Inserted, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
