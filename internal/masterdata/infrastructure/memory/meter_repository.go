package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	masterdata "gridledger/internal/masterdata/domain"
)

// MeterRepository is an in-memory meter store for demo/testing.
type MeterRepository struct {
	mu     sync.RWMutex
	meters map[string]masterdata.Meter
}

// NewMeterRepository constructs a repository seeded with meters.
func NewMeterRepository(meters ...masterdata.Meter) *MeterRepository {
	repo := &MeterRepository{meters: make(map[string]masterdata.Meter, len(meters))}
	for _, m := range meters {
		repo.meters[m.ID] = m
	}
	return repo
}

// List returns all meters in id order.
func (r *MeterRepository) List(ctx context.Context) ([]masterdata.Meter, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]masterdata.Meter, 0, len(r.meters))
	for _, m := range r.meters {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save upserts a meter.
func (r *MeterRepository) Save(ctx context.Context, meter *masterdata.Meter) error {
	_ = ctx
	if meter == nil {
		return errors.New("memory meter repo: nil meter")
	}
	if err := meter.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.meters[meter.ID] = *meter
	r.mu.Unlock()
	return nil
}
