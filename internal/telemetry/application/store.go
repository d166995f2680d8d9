package application

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gridledger/internal/observability/metrics"
	telemetry "gridledger/internal/telemetry/domain"
)

const (
	// DefaultBatchSize bounds the payload of a single insert.
	DefaultBatchSize = 1000
	// DefaultPageSize bounds a single paginated read.
	DefaultPageSize = 1000
)

// ReadingStore is the canonical per-meter reading set.
// It deduplicates against stored readings, writes in batches and
// serialises writers of the same meter.
type ReadingStore struct {
	repo      telemetry.Repository
	batchSize int
	locks     *meterLocks
	logger    *log.Logger
}

// StoreOption configures the store.
type StoreOption func(*ReadingStore)

// WithBatchSize overrides the insert batch size.
func WithBatchSize(size int) StoreOption {
	return func(s *ReadingStore) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *log.Logger) StoreOption {
	return func(s *ReadingStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewReadingStore constructs a store over a repository backend.
func NewReadingStore(repo telemetry.Repository, opts ...StoreOption) (*ReadingStore, error) {
	if repo == nil {
		return nil, errors.New("reading store: nil repository")
	}
	s := &ReadingStore{
		repo:      repo,
		batchSize: DefaultBatchSize,
		locks:     newMeterLocks(),
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// InsertBatch stores readings for one meter, skipping exact duplicates.
// On a failed batch the returned result holds the progress made so far
// and the error is a *telemetry.BatchWriteError.
func (s *ReadingStore) InsertBatch(ctx context.Context, meterID string, readings []telemetry.Reading) (telemetry.InsertResult, error) {
	if meterID == "" {
		return telemetry.InsertResult{}, telemetry.ErrEmptyMeterID
	}
	if len(readings) == 0 {
		return telemetry.InsertResult{}, nil
	}
	normalized, err := normalize(meterID, readings)
	if err != nil {
		return telemetry.InsertResult{}, err
	}

	unlock := s.locks.lock(meterID)
	defer unlock()
	return s.insertLocked(ctx, meterID, normalized)
}

// DeleteRange removes all readings of a meter in [from, to].
func (s *ReadingStore) DeleteRange(ctx context.Context, meterID string, from, to time.Time) (int, error) {
	if err := validateRange(meterID, from, to); err != nil {
		return 0, err
	}
	unlock := s.locks.lock(meterID)
	defer unlock()
	return s.repo.Delete(ctx, meterID, from.UTC(), to.UTC())
}

// ReplaceRange deletes [from, to] and inserts readings while holding the meter lock,
// so a regenerated series never interleaves with another writer.
func (s *ReadingStore) ReplaceRange(ctx context.Context, meterID string, from, to time.Time, readings []telemetry.Reading) (int, telemetry.InsertResult, error) {
	if err := validateRange(meterID, from, to); err != nil {
		return 0, telemetry.InsertResult{}, err
	}
	normalized, err := normalize(meterID, readings)
	if err != nil {
		return 0, telemetry.InsertResult{}, err
	}

	unlock := s.locks.lock(meterID)
	defer unlock()

	deleted, err := s.repo.Delete(ctx, meterID, from.UTC(), to.UTC())
	if err != nil {
		return 0, telemetry.InsertResult{}, err
	}
	if len(normalized) == 0 {
		return deleted, telemetry.InsertResult{}, nil
	}
	result, err := s.insertLocked(ctx, meterID, normalized)
	return deleted, result, err
}

// Iterate walks readings of a meter in [from, to] page by page, ordered by (TS, Channel).
func (s *ReadingStore) Iterate(ctx context.Context, meterID string, from, to time.Time, pageSize int, fn func([]telemetry.Reading) error) error {
	if err := validateRange(meterID, from, to); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("reading store: nil page callback")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var cursor *telemetry.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.repo.List(ctx, meterID, from.UTC(), to.UTC(), cursor, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < pageSize {
			return nil
		}
		cursor = telemetry.CursorOf(page[len(page)-1])
	}
}

func (s *ReadingStore) insertLocked(ctx context.Context, meterID string, readings []telemetry.Reading) (telemetry.InsertResult, error) {
	var result telemetry.InsertResult

	from, to := span(readings)
	existing, err := s.repo.ExistingKeys(ctx, meterID, from, to)
	if err != nil {
		return result, err
	}

	fresh := make([]telemetry.Reading, 0, len(readings))
	seen := make(map[telemetry.Key]struct{}, len(readings))
	for _, r := range readings {
		key := r.Key()
		if _, ok := existing[key]; ok {
			result.DuplicatesSkipped++
			continue
		}
		if _, ok := seen[key]; ok {
			result.DuplicatesSkipped++
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, r)
	}

	for batch, start := 0, 0; start < len(fresh); batch, start = batch+1, start+s.batchSize {
		end := start + s.batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		chunk := fresh[start:end]

		began := time.Now()
		written, err := s.repo.Insert(ctx, chunk)
		if err != nil {
			metrics.ObserveStoreBatch(metrics.ResultError, 0, time.Since(began))
			s.logger.Printf("event=reading_batch_failed meter_id=%s batch=%d inserted_so_far=%d error=%v", meterID, batch, result.Inserted, err)
			return result, &telemetry.BatchWriteError{
				Batch:             batch,
				Inserted:          result.Inserted,
				DuplicatesSkipped: result.DuplicatesSkipped,
				Err:               err,
			}
		}
		metrics.ObserveStoreBatch(metrics.ResultSuccess, written, time.Since(began))
		// conflicts raced in by another process count as duplicates
		result.Inserted += written
		result.DuplicatesSkipped += len(chunk) - written
	}
	return result, nil
}

func normalize(meterID string, readings []telemetry.Reading) ([]telemetry.Reading, error) {
	out := make([]telemetry.Reading, 0, len(readings))
	for _, r := range readings {
		if r.TS.IsZero() {
			return nil, telemetry.ErrInvalidReading
		}
		if r.MeterID == "" {
			r.MeterID = meterID
		}
		if r.MeterID != meterID {
			return nil, telemetry.ErrInvalidReading
		}
		if r.Channel == "" {
			r.Channel = telemetry.DefaultChannel
		}
		if r.Unit == "" {
			r.Unit = telemetry.UnitKWh
		}
		r.TS = r.TS.UTC()
		out = append(out, r)
	}
	return out, nil
}

func span(readings []telemetry.Reading) (time.Time, time.Time) {
	from, to := readings[0].TS, readings[0].TS
	for _, r := range readings[1:] {
		if r.TS.Before(from) {
			from = r.TS
		}
		if r.TS.After(to) {
			to = r.TS
		}
	}
	return from, to
}

func validateRange(meterID string, from, to time.Time) error {
	if meterID == "" {
		return telemetry.ErrEmptyMeterID
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return telemetry.ErrInvalidRange
	}
	return nil
}

type meterLock struct {
	mu   sync.Mutex
	refs int
}

// meterLocks hands out one mutex per meter and forgets it once unused.
type meterLocks struct {
	mu    sync.Mutex
	locks map[string]*meterLock
}

func newMeterLocks() *meterLocks {
	return &meterLocks{locks: make(map[string]*meterLock)}
}

func (l *meterLocks) lock(meterID string) func() {
	l.mu.Lock()
	entry := l.locks[meterID]
	if entry == nil {
		entry = &meterLock{}
		l.locks[meterID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, meterID)
		}
		l.mu.Unlock()
	}
}
