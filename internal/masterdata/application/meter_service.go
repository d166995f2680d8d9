package application

import (
	"context"
	"errors"
	"sync"

	masterdata "gridledger/internal/masterdata/domain"
)

// MeterService registers meters and serves the hierarchy as a Catalog.
type MeterService struct {
	repo masterdata.MeterRepository

	mu        sync.Mutex
	hierarchy *masterdata.Hierarchy
}

// NewMeterService constructs a meter service.
func NewMeterService(repo masterdata.MeterRepository) (*MeterService, error) {
	if repo == nil {
		return nil, errors.New("meter service: nil repository")
	}
	return &MeterService{repo: repo}, nil
}

// RegisterMeter validates a meter against the current hierarchy and saves it.
func (s *MeterService) RegisterMeter(ctx context.Context, meter *masterdata.Meter) error {
	if meter == nil {
		return errors.New("meter service: nil meter")
	}
	if err := meter.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.repo.List(ctx)
	if err != nil {
		return err
	}
	next := make([]masterdata.Meter, 0, len(current)+1)
	for _, m := range current {
		if m.ID != meter.ID {
			next = append(next, m)
		}
	}
	next = append(next, *meter)
	hierarchy, err := masterdata.NewHierarchy(next)
	if err != nil {
		return err
	}
	if err := s.repo.Save(ctx, meter); err != nil {
		return err
	}
	s.hierarchy = hierarchy
	return nil
}

// Hierarchy returns the validated hierarchy, loading it on first use.
func (s *MeterService) Hierarchy(ctx context.Context) (*masterdata.Hierarchy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hierarchy != nil {
		return s.hierarchy, nil
	}
	meters, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	hierarchy, err := masterdata.NewHierarchy(meters)
	if err != nil {
		return nil, err
	}
	s.hierarchy = hierarchy
	return hierarchy, nil
}

// Reload drops the cached hierarchy.
func (s *MeterService) Reload() {
	s.mu.Lock()
	s.hierarchy = nil
	s.mu.Unlock()
}

// GetChildren implements masterdata.Catalog.
func (s *MeterService) GetChildren(ctx context.Context, meterID string) ([]string, error) {
	h, err := s.Hierarchy(ctx)
	if err != nil {
		return nil, err
	}
	return h.GetChildren(ctx, meterID)
}

// GetPolarity implements masterdata.Catalog.
func (s *MeterService) GetPolarity(ctx context.Context, meterID string) (masterdata.Polarity, error) {
	h, err := s.Hierarchy(ctx)
	if err != nil {
		return "", err
	}
	return h.GetPolarity(ctx, meterID)
}

// GetParent implements masterdata.Catalog.
func (s *MeterService) GetParent(ctx context.Context, meterID string) (string, error) {
	h, err := s.Hierarchy(ctx)
	if err != nil {
		return "", err
	}
	return h.GetParent(ctx, meterID)
}
