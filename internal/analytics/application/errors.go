package application

import "errors"

var (
	// ErrInvalidRequest is returned for a missing parent or an inverted window.
	ErrInvalidRequest = errors.New("analytics: invalid aggregation request")
	// ErrCycle is returned when the catalog reports a meter as its own ancestor.
	ErrCycle = errors.New("analytics: hierarchy cycle")
)
