package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"gridledger/internal/analytics/application/events"
	"gridledger/internal/analytics/domain/series"
	masterdata "gridledger/internal/masterdata/domain"
	"gridledger/internal/observability/metrics"
	telemetry "gridledger/internal/telemetry/domain"
)

const (
	defaultPageSize        = 1000
	defaultTreeConcurrency = 4
	aggregateSource        = "aggregate"
)

// ReadingStore is the subset of the reading store used by aggregation.
type ReadingStore interface {
	Iterate(ctx context.Context, meterID string, from, to time.Time, pageSize int, fn func([]telemetry.Reading) error) error
	ReplaceRange(ctx context.Context, meterID string, from, to time.Time, readings []telemetry.Reading) (int, telemetry.InsertResult, error)
}

// EventPublisher publishes aggregation events.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// Request selects a parent meter, the columns to aggregate and a [From, To] window.
// No columns means every channel found on the children.
type Request struct {
	ParentMeterID string
	Columns       []string
	From          time.Time
	To            time.Time
}

// Result is the aggregation outcome for one parent meter.
type Result struct {
	ParentMeterID   string             `json:"parent_meter_id"`
	Status          series.Status      `json:"status"`
	From            time.Time          `json:"from"`
	To              time.Time          `json:"to"`
	Children        int                `json:"children"`
	ChildReadings   int                `json:"child_readings"`
	Slots           int                `json:"slots"`
	Deleted         int                `json:"deleted"`
	Inserted        int                `json:"inserted"`
	ColumnTotals    map[string]float64 `json:"column_totals"`
	ColumnMaxValues map[string]float64 `json:"column_max_values"`
	TotalEnergyKWh  float64            `json:"total_energy_kwh"`
}

// HierarchyAggregator builds synthetic parent series from child readings.
type HierarchyAggregator struct {
	catalog         masterdata.Catalog
	store           ReadingStore
	publisher       EventPublisher
	logger          *log.Logger
	pageSize        int
	treeConcurrency int
	locks           *parentLocks
	now             func() time.Time
}

// AggregatorOption configures the aggregator.
type AggregatorOption func(*HierarchyAggregator)

// WithPublisher sets the event publisher.
func WithPublisher(publisher EventPublisher) AggregatorOption {
	return func(a *HierarchyAggregator) {
		a.publisher = publisher
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) AggregatorOption {
	return func(a *HierarchyAggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithPageSize overrides the child read page size.
func WithPageSize(size int) AggregatorOption {
	return func(a *HierarchyAggregator) {
		if size > 0 {
			a.pageSize = size
		}
	}
}

// WithTreeConcurrency bounds concurrent sibling aggregations in AggregateTree.
func WithTreeConcurrency(n int) AggregatorOption {
	return func(a *HierarchyAggregator) {
		if n > 0 {
			a.treeConcurrency = n
		}
	}
}

// NewHierarchyAggregator constructs an aggregator.
func NewHierarchyAggregator(catalog masterdata.Catalog, store ReadingStore, opts ...AggregatorOption) (*HierarchyAggregator, error) {
	if catalog == nil {
		return nil, errors.New("hierarchy aggregator: nil catalog")
	}
	if store == nil {
		return nil, errors.New("hierarchy aggregator: nil store")
	}
	a := &HierarchyAggregator{
		catalog:         catalog,
		store:           store,
		logger:          log.Default(),
		pageSize:        defaultPageSize,
		treeConcurrency: defaultTreeConcurrency,
		locks:           newParentLocks(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AggregateParent regenerates the parent's synthetic series for the window.
// With no child readings the store is left untouched and Status is empty.
func (a *HierarchyAggregator) AggregateParent(ctx context.Context, req Request) (Result, error) {
	began := time.Now()
	result, err := a.aggregate(ctx, req)
	switch {
	case err != nil:
		metrics.ObserveAggregation(metrics.ResultError, 0, time.Since(began))
		a.logger.Printf("event=aggregation_failed parent_meter_id=%s error=%v", req.ParentMeterID, err)
		return result, err
	case result.Status == series.StatusEmpty:
		metrics.ObserveAggregation(metrics.ResultEmpty, 0, time.Since(began))
	default:
		metrics.ObserveAggregation(metrics.ResultSuccess, result.Slots, time.Since(began))
	}
	a.logger.Printf("event=aggregation_completed parent_meter_id=%s status=%s children=%d child_readings=%d slots=%d deleted=%d total_energy_kwh=%.3f",
		result.ParentMeterID, result.Status, result.Children, result.ChildReadings, result.Slots, result.Deleted, result.TotalEnergyKWh)

	if a.publisher != nil {
		evt := events.AggregationCompleted{
			ParentMeterID:  result.ParentMeterID,
			From:           result.From,
			To:             result.To,
			Status:         result.Status,
			Slots:          result.Slots,
			Deleted:        result.Deleted,
			Inserted:       result.Inserted,
			TotalEnergyKWh: result.TotalEnergyKWh,
			OccurredAt:     a.now().UTC(),
		}
		if err := a.publisher.Publish(ctx, evt); err != nil {
			a.logger.Printf("event=aggregation_publish_failed parent_meter_id=%s error=%v", result.ParentMeterID, err)
		}
	}
	return result, nil
}

func (a *HierarchyAggregator) aggregate(ctx context.Context, req Request) (Result, error) {
	if req.ParentMeterID == "" || req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		return Result{ParentMeterID: req.ParentMeterID}, ErrInvalidRequest
	}
	// Whole slots are rewritten, so children are read over every instant that
	// rounds into them.
	firstSlot, lastSlot := series.SlotWindow(req.From, req.To)
	readFrom, readTo := series.SlotSpan(firstSlot, lastSlot)
	result := Result{ParentMeterID: req.ParentMeterID, From: firstSlot, To: lastSlot}

	// read and replace happen under one parent lock
	unlock := a.locks.lock(req.ParentMeterID)
	defer unlock()

	children, err := a.catalog.GetChildren(ctx, req.ParentMeterID)
	if err != nil {
		return result, fmt.Errorf("get children of %s: %w", req.ParentMeterID, err)
	}
	result.Children = len(children)

	acc := series.NewAccumulator(req.Columns)
	for _, child := range children {
		polarity, err := a.catalog.GetPolarity(ctx, child)
		if err != nil {
			return result, fmt.Errorf("get polarity of %s: %w", child, err)
		}
		sign := polarity.Sign()
		err = a.store.Iterate(ctx, child, readFrom, readTo, a.pageSize, func(page []telemetry.Reading) error {
			for _, r := range page {
				acc.Add(series.Contribution{TS: r.TS, Column: r.Channel, Value: r.Value, Sign: sign})
			}
			return nil
		})
		if err != nil {
			return result, fmt.Errorf("read child %s: %w", child, err)
		}
	}

	summary := acc.Summarize()
	result.Status = summary.Status
	result.ChildReadings = summary.Contributions
	result.ColumnTotals = summary.ColumnTotals
	result.ColumnMaxValues = summary.ColumnMaxValues
	result.TotalEnergyKWh = summary.TotalEnergyKWh
	if summary.Status == series.StatusEmpty {
		return result, nil
	}

	readings := make([]telemetry.Reading, 0, len(summary.Points))
	for _, p := range summary.Points {
		unit := telemetry.UnitKWh
		if series.IsMaxTracked(p.Column) {
			unit = telemetry.UnitKVA
		}
		readings = append(readings, telemetry.Reading{
			MeterID: req.ParentMeterID,
			Channel: p.Column,
			TS:      p.Slot,
			Value:   p.Value,
			Unit:    unit,
			Source:  aggregateSource,
		})
	}

	deleted, inserted, err := a.store.ReplaceRange(ctx, req.ParentMeterID, firstSlot, lastSlot, readings)
	result.Deleted = deleted
	result.Inserted = inserted.Inserted
	result.Slots = len(readings)
	if err != nil {
		return result, fmt.Errorf("replace parent %s series: %w", req.ParentMeterID, err)
	}
	return result, nil
}

// AggregateTree aggregates every parent below and including rootID, deepest
// level first, so each parent sees its children's regenerated series.
// Parents on the same level run concurrently.
func (a *HierarchyAggregator) AggregateTree(ctx context.Context, rootID string, columns []string, from, to time.Time) ([]Result, error) {
	levels, err := a.parentLevels(ctx, rootID)
	if err != nil {
		return nil, err
	}

	var results []Result
	for depth := len(levels) - 1; depth >= 0; depth-- {
		parents := levels[depth]
		levelResults := make([]Result, len(parents))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.treeConcurrency)
		for i, parent := range parents {
			i, parent := i, parent
			g.Go(func() error {
				res, err := a.AggregateParent(gctx, Request{ParentMeterID: parent, Columns: columns, From: from, To: to})
				levelResults[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return append(results, levelResults...), err
		}
		results = append(results, levelResults...)
	}
	return results, nil
}

// parentLevels walks the catalog breadth-first and groups meters that have
// children by depth.
func (a *HierarchyAggregator) parentLevels(ctx context.Context, rootID string) ([][]string, error) {
	if rootID == "" {
		return nil, ErrInvalidRequest
	}
	var levels [][]string
	seen := map[string]struct{}{rootID: {}}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next, parents []string
		for _, id := range frontier {
			children, err := a.catalog.GetChildren(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("get children of %s: %w", id, err)
			}
			if len(children) == 0 {
				continue
			}
			parents = append(parents, id)
			for _, child := range children {
				if _, ok := seen[child]; ok {
					return nil, fmt.Errorf("%w: %s reached twice", ErrCycle, child)
				}
				seen[child] = struct{}{}
				next = append(next, child)
			}
		}
		if len(parents) > 0 {
			levels = append(levels, parents)
		}
		frontier = next
	}
	return levels, nil
}
