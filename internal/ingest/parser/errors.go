package parser

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat is returned when a column/format description is unusable.
	ErrInvalidFormat = errors.New("parser: invalid format")
	// ErrUnreadableInput is returned when the payload cannot be read at all.
	ErrUnreadableInput = errors.New("parser: unreadable input")
)

// RowError is a recoverable per-row failure.
type RowError struct {
	Row    int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

func (RowError) outcome() {}

// RowNumber returns the 1-based line number of the row.
func (e RowError) RowNumber() int { return e.Row }
