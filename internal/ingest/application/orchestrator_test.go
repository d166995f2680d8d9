package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	analytics "gridledger/internal/analytics/application"
	"gridledger/internal/analytics/domain/series"
	"gridledger/internal/eventing"
	"gridledger/internal/ingest/application/events"
	masterapp "gridledger/internal/masterdata/application"
	masterdata "gridledger/internal/masterdata/domain"
	mastermemory "gridledger/internal/masterdata/infrastructure/memory"
	telemetryapp "gridledger/internal/telemetry/application"
	telemetry "gridledger/internal/telemetry/domain"
	"gridledger/internal/telemetry/infrastructure/memory"
)

func csvFile(day string, values ...string) []byte {
	var b strings.Builder
	b.WriteString("Date,Time,kWh\n")
	for i, v := range values {
		fmt.Fprintf(&b, "%s,%02d:%02d,%s\n", day, i/2, (i%2)*30, v)
	}
	return []byte(b.String())
}

func item(id, meterID string, data []byte) ImportItem {
	return ImportItem{ID: id, MeterID: meterID, FileName: id + ".csv", Data: data}
}

func newStore(t *testing.T) (*telemetryapp.ReadingStore, *memory.ReadingRepository) {
	t.Helper()
	repo := memory.NewReadingRepository()
	store, err := telemetryapp.NewReadingStore(repo)
	require.NoError(t, err)
	return store, repo
}

// hookWriter runs a hook before delegating each InsertBatch.
type hookWriter struct {
	ReadingWriter
	hook func(ctx context.Context, meterID string) error
}

func (w hookWriter) InsertBatch(ctx context.Context, meterID string, readings []telemetry.Reading) (telemetry.InsertResult, error) {
	if err := w.hook(ctx, meterID); err != nil {
		return telemetry.InsertResult{}, err
	}
	return w.ReadingWriter.InsertBatch(ctx, meterID, readings)
}

func TestProcessFilesContinuesPastFailedFile(t *testing.T) {
	store, repo := newStore(t)
	orch, err := NewOrchestrator(store, Config{})
	require.NoError(t, err)

	items := []ImportItem{
		item("a", "m1", csvFile("2024-03-05", "1", "2", "3")),
		item("b", "m2", []byte("Date,Time,kWh\n2024-03-05,00:00,x\n2024-03-05,00:30,4\n")),
		{ID: "c", MeterID: "m3", Profile: "missing", Data: csvFile("2024-03-05", "1")},
		item("d", "", csvFile("2024-03-05", "1")),
		item("e", "m1", csvFile("2024-03-05", "1", "2", "3", "4")),
	}
	outcomes := orch.ProcessFiles(context.Background(), items, nil)
	require.Len(t, outcomes, 5)

	assert.Equal(t, "a", outcomes[0].ItemID)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 3, outcomes[0].Inserted)
	assert.Equal(t, 3, outcomes[0].TotalRows)

	assert.Equal(t, StatusCompleted, outcomes[1].Status)
	assert.Equal(t, 1, outcomes[1].ParseErrors)
	assert.Equal(t, 1, outcomes[1].Inserted)
	require.Len(t, outcomes[1].SampleErrors, 1)
	assert.True(t, strings.HasPrefix(outcomes[1].SampleErrors[0], "row 2:"))

	assert.Equal(t, StatusFailed, outcomes[2].Status)
	assert.Contains(t, outcomes[2].Error, "missing")
	assert.Equal(t, StatusFailed, outcomes[3].Status)

	// re-import overlaps the first file
	assert.Equal(t, StatusCompleted, outcomes[4].Status)
	assert.Equal(t, 1, outcomes[4].Inserted)
	assert.Equal(t, 3, outcomes[4].DuplicatesSkipped)
	assert.Equal(t, 4, repo.Count("m1"))
}

func TestProcessFilesIsIdempotent(t *testing.T) {
	store, repo := newStore(t)
	orch, err := NewOrchestrator(store, Config{})
	require.NoError(t, err)

	items := []ImportItem{item("a", "m1", csvFile("2024-03-05", "1", "2", "3", "4"))}
	first := orch.ProcessFiles(context.Background(), items, nil)
	second := orch.ProcessFiles(context.Background(), items, nil)

	assert.Equal(t, 4, first[0].Inserted)
	assert.Equal(t, 0, second[0].Inserted)
	assert.Equal(t, 4, second[0].DuplicatesSkipped)
	assert.Equal(t, 4, repo.Count("m1"))
}

func TestStoreOutageAbortsRemainingItems(t *testing.T) {
	store, _ := newStore(t)
	writer := hookWriter{ReadingWriter: store, hook: func(_ context.Context, meterID string) error {
		if meterID == "down" {
			return telemetry.Unavailable(errors.New("connection refused"))
		}
		return nil
	}}
	orch, err := NewOrchestrator(writer, Config{})
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(context.Background(), []ImportItem{
		item("a", "m1", csvFile("2024-03-05", "1")),
		item("b", "down", csvFile("2024-03-05", "1")),
		item("c", "m2", csvFile("2024-03-05", "1")),
		item("d", "m3", csvFile("2024-03-05", "1")),
	}, nil)

	require.Len(t, outcomes, 4)
	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Equal(t, StatusFailed, outcomes[1].Status)
	assert.Equal(t, StatusNotProcessed, outcomes[2].Status)
	assert.Equal(t, StatusNotProcessed, outcomes[3].Status)
	assert.Contains(t, outcomes[2].Error, "connection refused")
}

func TestPartialBatchFailureReportsProgress(t *testing.T) {
	repo := memory.NewReadingRepository()
	store, err := telemetryapp.NewReadingStore(failAfter{ReadingRepository: repo, limit: 1, calls: new(int)}, telemetryapp.WithBatchSize(2))
	require.NoError(t, err)
	orch, err := NewOrchestrator(store, Config{})
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(context.Background(), []ImportItem{
		item("a", "m1", csvFile("2024-03-05", "1", "2", "3", "4", "5")),
		item("b", "m2", csvFile("2024-03-05", "1")),
	}, nil)
	assert.Equal(t, StatusFailed, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Inserted)
	assert.Equal(t, StatusFailed, outcomes[1].Status)
}

// failAfter accepts limit Insert calls, then fails every later one.
type failAfter struct {
	*memory.ReadingRepository
	limit int
	calls *int
}

func (f failAfter) Insert(ctx context.Context, readings []telemetry.Reading) (int, error) {
	*f.calls++
	if *f.calls > f.limit {
		return 0, errors.New("disk full")
	}
	return f.ReadingRepository.Insert(ctx, readings)
}

func TestCancellationStopsBeforeNextFile(t *testing.T) {
	store, repo := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	writer := hookWriter{ReadingWriter: store, hook: func(ctx context.Context, meterID string) error {
		if meterID == "m1" {
			cancel()
		}
		return nil
	}}
	orch, err := NewOrchestrator(writer, Config{})
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(ctx, []ImportItem{
		item("a", "m1", csvFile("2024-03-05", "1", "2")),
		item("b", "m2", csvFile("2024-03-05", "1")),
		item("c", "m3", csvFile("2024-03-05", "1")),
	}, nil)

	assert.Equal(t, StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 2, repo.Count("m1"))
	assert.Equal(t, StatusCancelled, outcomes[1].Status)
	assert.Equal(t, StatusCancelled, outcomes[2].Status)
	assert.Zero(t, repo.Count("m2"))
}

func TestPauseHoldsNewFilesUntilResume(t *testing.T) {
	store, _ := newStore(t)
	orch, err := NewOrchestrator(store, Config{})
	require.NoError(t, err)

	control := NewControl()
	control.Pause()
	require.True(t, control.Paused())

	stream := orch.Stream(context.Background(), []ImportItem{
		item("a", "m1", csvFile("2024-03-05", "1")),
		item("b", "m2", csvFile("2024-03-05", "1")),
	}, control)

	select {
	case o := <-stream:
		t.Fatalf("outcome %s emitted while paused", o.ItemID)
	case <-time.After(50 * time.Millisecond):
	}

	control.Resume()
	var ids []string
	for o := range stream {
		assert.Equal(t, StatusCompleted, o.Status)
		ids = append(ids, o.ItemID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStreamKeepsSubmissionOrderWithWorkers(t *testing.T) {
	store, _ := newStore(t)
	release := make(chan struct{})
	writer := hookWriter{ReadingWriter: store, hook: func(_ context.Context, meterID string) error {
		if meterID == "slow" {
			<-release
		}
		return nil
	}}
	orch, err := NewOrchestrator(writer, Config{}, WithWorkers(3))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var ids []string
	stream := orch.Stream(context.Background(), []ImportItem{
		item("a", "slow", csvFile("2024-03-05", "1")),
		item("b", "m2", csvFile("2024-03-05", "1")),
		item("c", "m3", csvFile("2024-03-05", "1")),
	}, nil)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for o := range stream {
			ids = append(ids, o.ItemID)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestImportAggregatesParentAndPublishes(t *testing.T) {
	store, repo := newStore(t)
	meters, err := masterapp.NewMeterService(mastermemory.NewMeterRepository(
		masterdata.Meter{ID: "site", Polarity: masterdata.PolarityLoad},
		masterdata.Meter{ID: "m1", ParentID: "site", Polarity: masterdata.PolarityLoad},
		masterdata.Meter{ID: "pv", ParentID: "site", Polarity: masterdata.PolarityGeneration},
	))
	require.NoError(t, err)
	agg, err := analytics.NewHierarchyAggregator(meters, store)
	require.NoError(t, err)

	bus := eventing.NewInMemoryBus()
	var mu sync.Mutex
	var completed []events.ImportCompleted
	bus.Subscribe(eventing.EventTypeOf[events.ImportCompleted](), func(ctx context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, event.(events.ImportCompleted))
		return nil
	})

	orch, err := NewOrchestrator(store, Config{}, WithAggregation(agg, meters, nil), WithPublisher(bus))
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(context.Background(), []ImportItem{
		item("load", "m1", csvFile("2024-03-05", "10", "10")),
		item("solar", "pv", csvFile("2024-03-05", "4", "4")),
		item("orphan", "unknown", csvFile("2024-03-05", "1")),
	}, nil)
	require.Len(t, outcomes, 3)

	require.NotNil(t, outcomes[1].Aggregation)
	assert.Equal(t, series.StatusOK, outcomes[1].Aggregation.Status)
	assert.Equal(t, 12.0, outcomes[1].Aggregation.TotalEnergyKWh)
	assert.Equal(t, 2, repo.Count("site"))
	assert.Nil(t, outcomes[2].Aggregation)
	assert.Empty(t, outcomes[2].AggregationError)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 3)
	assert.Equal(t, "completed", completed[0].Status)
}

func rawCSV(rows ...string) []byte {
	return []byte("Date,Time,kWh\n" + strings.Join(rows, "\n") + "\n")
}

func newMeters(t *testing.T, meters ...masterdata.Meter) *masterapp.MeterService {
	t.Helper()
	svc, err := masterapp.NewMeterService(mastermemory.NewMeterRepository(meters...))
	require.NoError(t, err)
	return svc
}

func slotValues(t *testing.T, store *telemetryapp.ReadingStore, meterID string) map[string]float64 {
	t.Helper()
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	out := map[string]float64{}
	err := store.Iterate(context.Background(), meterID, day, day.Add(48*time.Hour), 0, func(page []telemetry.Reading) error {
		for _, r := range page {
			out[r.TS.Format("15:04")] += r.Value
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestConsecutiveImportsKeepParentEqualToChildren(t *testing.T) {
	store, _ := newStore(t)
	meters := newMeters(t,
		masterdata.Meter{ID: "bulk"},
		masterdata.Meter{ID: "a", ParentID: "bulk"},
	)
	agg, err := analytics.NewHierarchyAggregator(meters, store)
	require.NoError(t, err)
	orch, err := NewOrchestrator(store, Config{}, WithAggregation(agg, meters, nil))
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(context.Background(), []ImportItem{
		item("first", "a", rawCSV("2024-03-05,11:15,1", "2024-03-05,11:30,1", "2024-03-05,11:45,1")),
		item("second", "a", rawCSV("2024-03-05,12:00,1", "2024-03-05,12:15,1")),
	}, nil)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, StatusCompleted, o.Status, o.Error)
		require.Empty(t, o.AggregationError)
	}

	// 11:30 <- 11:15,11:30 ; 12:00 <- 11:45,12:00 ; 12:30 <- 12:15
	assert.Equal(t, map[string]float64{"11:30": 2, "12:00": 2, "12:30": 1}, slotValues(t, store, "bulk"))
}

// slowReplaceStore delays the first parent rewrite.
type slowReplaceStore struct {
	*telemetryapp.ReadingStore
	calls atomic.Int32
	delay time.Duration
}

func (s *slowReplaceStore) ReplaceRange(ctx context.Context, meterID string, from, to time.Time, readings []telemetry.Reading) (int, telemetry.InsertResult, error) {
	if s.calls.Add(1) == 1 {
		time.Sleep(s.delay)
	}
	return s.ReadingStore.ReplaceRange(ctx, meterID, from, to, readings)
}

func TestConcurrentSiblingImportsSerialiseParentAggregation(t *testing.T) {
	store, _ := newStore(t)
	meters := newMeters(t,
		masterdata.Meter{ID: "bulk"},
		masterdata.Meter{ID: "a", ParentID: "bulk"},
		masterdata.Meter{ID: "b", ParentID: "bulk"},
	)
	agg, err := analytics.NewHierarchyAggregator(meters, &slowReplaceStore{ReadingStore: store, delay: 100 * time.Millisecond})
	require.NoError(t, err)
	orch, err := NewOrchestrator(store, Config{}, WithAggregation(agg, meters, nil), WithWorkers(2))
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(context.Background(), []ImportItem{
		item("a", "a", rawCSV("2024-03-05,10:00,1")),
		item("b", "b", rawCSV("2024-03-05,10:00,2")),
	}, nil)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, StatusCompleted, o.Status, o.Error)
	}

	assert.Equal(t, map[string]float64{"10:00": 3}, slotValues(t, store, "bulk"))
}

func TestImportRegeneratesEveryAncestor(t *testing.T) {
	store, _ := newStore(t)
	meters := newMeters(t,
		masterdata.Meter{ID: "site"},
		masterdata.Meter{ID: "block", ParentID: "site"},
		masterdata.Meter{ID: "m1", ParentID: "block"},
		masterdata.Meter{ID: "m2", ParentID: "site"},
	)
	agg, err := analytics.NewHierarchyAggregator(meters, store)
	require.NoError(t, err)
	orch, err := NewOrchestrator(store, Config{}, WithAggregation(agg, meters, nil))
	require.NoError(t, err)

	outcomes := orch.ProcessFiles(context.Background(), []ImportItem{
		item("m2", "m2", rawCSV("2024-03-05,10:00,1")),
		item("m1", "m1", rawCSV("2024-03-05,10:00,4")),
	}, nil)
	require.Len(t, outcomes, 2)

	require.NotNil(t, outcomes[0].Aggregation)
	assert.Equal(t, "site", outcomes[0].Aggregation.ParentMeterID)
	assert.Empty(t, outcomes[0].AncestorAggregations)

	require.NotNil(t, outcomes[1].Aggregation)
	assert.Equal(t, "block", outcomes[1].Aggregation.ParentMeterID)
	require.Len(t, outcomes[1].AncestorAggregations, 1)
	assert.Equal(t, "site", outcomes[1].AncestorAggregations[0].ParentMeterID)
	assert.Equal(t, 5.0, outcomes[1].AncestorAggregations[0].TotalEnergyKWh)

	assert.Equal(t, map[string]float64{"10:00": 4}, slotValues(t, store, "block"))
	assert.Equal(t, map[string]float64{"10:00": 5}, slotValues(t, store, "site"))
}

func TestNewOrchestratorRequiresParentResolver(t *testing.T) {
	store, _ := newStore(t)
	_, err := NewOrchestrator(store, Config{}, WithAggregation(&analytics.HierarchyAggregator{}, nil, nil))
	assert.Error(t, err)
	_, err = NewOrchestrator(nil, Config{})
	assert.Error(t, err)
}
