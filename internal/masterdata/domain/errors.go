package masterdata

import "errors"

var (
	// ErrEmptyMeterID is returned when a meter id is missing.
	ErrEmptyMeterID = errors.New("masterdata: empty meter id")
	// ErrMeterNotFound is returned when a meter is unknown to the catalog.
	ErrMeterNotFound = errors.New("masterdata: meter not found")
	// ErrInvalidPolarity is returned for polarities other than load and generation.
	ErrInvalidPolarity = errors.New("masterdata: invalid polarity")
	// ErrHierarchyCycle is returned when a meter would be its own ancestor.
	ErrHierarchyCycle = errors.New("masterdata: hierarchy cycle")
	// ErrDuplicateMeter is returned when a meter id appears twice in one hierarchy.
	ErrDuplicateMeter = errors.New("masterdata: duplicate meter")
)
