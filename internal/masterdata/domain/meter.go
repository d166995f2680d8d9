package masterdata

import (
	"context"
	"fmt"
	"strings"
)

// Polarity classifies whether a meter consumes or produces energy.
type Polarity string

const (
	PolarityLoad       Polarity = "load"
	PolarityGeneration Polarity = "generation"
)

// ParsePolarity accepts load and generation case-insensitively; empty means load.
func ParsePolarity(raw string) (Polarity, error) {
	switch Polarity(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolarityLoad:
		return PolarityLoad, nil
	case PolarityGeneration:
		return PolarityGeneration, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPolarity, raw)
	}
}

// Sign is -1 for generation meters and +1 otherwise.
func (p Polarity) Sign() float64 {
	if p == PolarityGeneration {
		return -1
	}
	return 1
}

// Meter is a physical or virtual meter.
type Meter struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	ParentID string   `json:"parent_id,omitempty" yaml:"parent_id"`
	Polarity Polarity `json:"polarity" yaml:"polarity"`
}

// Validate checks meter invariants.
func (m Meter) Validate() error {
	if m.ID == "" {
		return ErrEmptyMeterID
	}
	if m.ParentID == m.ID {
		return fmt.Errorf("%w: %s is its own parent", ErrHierarchyCycle, m.ID)
	}
	if _, err := ParsePolarity(string(m.Polarity)); err != nil {
		return err
	}
	return nil
}

// Catalog is the read-only view of the hierarchy and polarities.
type Catalog interface {
	GetChildren(ctx context.Context, meterID string) ([]string, error)
	GetPolarity(ctx context.Context, meterID string) (Polarity, error)
	GetParent(ctx context.Context, meterID string) (string, error)
}

// MeterRepository persists meters.
type MeterRepository interface {
	List(ctx context.Context) ([]Meter, error)
	Save(ctx context.Context, meter *Meter) error
}
