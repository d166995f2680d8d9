package settlement

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfiguration marks a misconfigured tariff; fatal for the computation.
	ErrConfiguration = errors.New("settlement: tariff configuration error")
	// ErrNegativeUsage is returned when usage is below zero.
	ErrNegativeUsage = errors.New("settlement: negative usage")
	// ErrInvalidUsage is returned when usage is NaN or infinite.
	ErrInvalidUsage = errors.New("settlement: usage is not a finite number")
	// ErrInvalidPeriod is returned for a negative billing period.
	ErrInvalidPeriod = errors.New("settlement: invalid billing period")
	// ErrTariffNotFound is returned when a catalog has no tariff for an id.
	ErrTariffNotFound = errors.New("settlement: tariff not found")
	// ErrTariffNotEffective is returned when a tariff does not cover the billed window.
	ErrTariffNotEffective = errors.New("settlement: tariff not effective")
	// ErrTOURequiresSlots is returned when a time-of-use tariff is billed from a total only.
	ErrTOURequiresSlots = fmt.Errorf("%w: time-of-use tariff requires slot usage", ErrConfiguration)
)

// UnmatchedSlotError reports a usage slot that no TOU period covers.
type UnmatchedSlotError struct {
	Slot    time.Time
	Season  Season
	DayType DayType
	Hour    int
}

func (e *UnmatchedSlotError) Error() string {
	return fmt.Sprintf("settlement: no time-of-use period for slot %s (season=%s day_type=%s hour=%d)",
		e.Slot.Format(time.RFC3339), e.Season, e.DayType, e.Hour)
}

func (e *UnmatchedSlotError) Unwrap() error { return ErrConfiguration }

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
