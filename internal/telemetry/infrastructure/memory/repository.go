package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	telemetry "gridledger/internal/telemetry/domain"
)

// ReadingRepository is an in-memory reading backend for demo/testing.
type ReadingRepository struct {
	mu   sync.RWMutex
	data map[string]map[telemetry.Key]telemetry.Reading
}

// NewReadingRepository constructs a repository.
func NewReadingRepository() *ReadingRepository {
	return &ReadingRepository{data: make(map[string]map[telemetry.Key]telemetry.Reading)}
}

// ExistingKeys returns the keys stored for a meter in [from, to].
func (r *ReadingRepository) ExistingKeys(ctx context.Context, meterID string, from, to time.Time) (map[telemetry.Key]struct{}, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make(map[telemetry.Key]struct{})
	for key, reading := range r.data[meterID] {
		if inRange(reading.TS, from, to) {
			keys[key] = struct{}{}
		}
	}
	return keys, nil
}

// Insert stores readings, ignoring exact-key conflicts.
func (r *ReadingRepository) Insert(ctx context.Context, readings []telemetry.Reading) (int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	for _, reading := range readings {
		if reading.MeterID == "" {
			return written, errors.New("memory reading repo: empty meter id")
		}
		byKey := r.data[reading.MeterID]
		if byKey == nil {
			byKey = make(map[telemetry.Key]telemetry.Reading)
			r.data[reading.MeterID] = byKey
		}
		key := reading.Key()
		if _, ok := byKey[key]; ok {
			continue
		}
		byKey[key] = reading
		written++
	}
	return written, nil
}

// Delete removes readings in [from, to].
func (r *ReadingRepository) Delete(ctx context.Context, meterID string, from, to time.Time) (int, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for key, reading := range r.data[meterID] {
		if inRange(reading.TS, from, to) {
			delete(r.data[meterID], key)
			deleted++
		}
	}
	return deleted, nil
}

// List returns a page of readings ordered by (TS, Channel).
func (r *ReadingRepository) List(ctx context.Context, meterID string, from, to time.Time, after *telemetry.Cursor, limit int) ([]telemetry.Reading, error) {
	_ = ctx
	r.mu.RLock()
	result := make([]telemetry.Reading, 0, len(r.data[meterID]))
	for _, reading := range r.data[meterID] {
		if !inRange(reading.TS, from, to) {
			continue
		}
		if after != nil && !isAfter(reading, after) {
			continue
		}
		result = append(result, reading)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if !result[i].TS.Equal(result[j].TS) {
			return result[i].TS.Before(result[j].TS)
		}
		return result[i].Channel < result[j].Channel
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Count returns the number of readings stored for a meter.
func (r *ReadingRepository) Count(meterID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data[meterID])
}

func inRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

func isAfter(reading telemetry.Reading, cursor *telemetry.Cursor) bool {
	if reading.TS.After(cursor.TS) {
		return true
	}
	return reading.TS.Equal(cursor.TS) && reading.Channel > cursor.Channel
}
