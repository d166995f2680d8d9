package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	analytics "gridledger/internal/analytics/application"
	"gridledger/internal/ingest/application/events"
	"gridledger/internal/ingest/parser"
	masterdata "gridledger/internal/masterdata/domain"
	"gridledger/internal/observability/metrics"
	telemetry "gridledger/internal/telemetry/domain"
)

// Status is the final state of one import item.
type Status string

const (
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusNotProcessed Status = "not_processed"
	StatusCancelled    Status = "cancelled"
)

// ImportItem is one source file bound to a meter.
type ImportItem struct {
	ID       string `json:"id"`
	MeterID  string `json:"meter_id"`
	FileName string `json:"file_name"`
	Profile  string `json:"profile,omitempty"`
	Data     []byte `json:"data"`
}

// ImportOutcome is the result of one import item; it is never mutated after emission.
type ImportOutcome struct {
	ItemID               string             `json:"item_id"`
	MeterID              string             `json:"meter_id"`
	FileName             string             `json:"file_name"`
	Status               Status             `json:"status"`
	TotalRows            int                `json:"total_rows"`
	Inserted             int                `json:"inserted"`
	DuplicatesSkipped    int                `json:"duplicates_skipped"`
	ParseErrors          int                `json:"parse_errors"`
	SampleErrors         []string           `json:"sample_errors"`
	Error                string             `json:"error,omitempty"`
	Aggregation          *analytics.Result  `json:"aggregation,omitempty"`
	// AncestorAggregations holds the grandparent and higher levels, nearest first.
	AncestorAggregations []analytics.Result `json:"ancestor_aggregations,omitempty"`
	AggregationError     string             `json:"aggregation_error,omitempty"`
	StartedAt            time.Time          `json:"started_at,omitempty"`
	FinishedAt           time.Time          `json:"finished_at,omitempty"`
}

// ReadingWriter stores parsed readings with duplicate detection.
type ReadingWriter interface {
	InsertBatch(ctx context.Context, meterID string, readings []telemetry.Reading) (telemetry.InsertResult, error)
}

// FormatResolver maps a profile name to a parser format.
type FormatResolver interface {
	Format(name string) (parser.Format, error)
}

// ParentAggregator regenerates a parent meter's series.
type ParentAggregator interface {
	AggregateParent(ctx context.Context, req analytics.Request) (analytics.Result, error)
}

// ParentResolver looks up a meter's parent.
type ParentResolver interface {
	GetParent(ctx context.Context, meterID string) (string, error)
}

// EventPublisher publishes import events.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// Orchestrator runs parse, store and parent aggregation for batches of files.
type Orchestrator struct {
	store      ReadingWriter
	formats    FormatResolver
	aggregator ParentAggregator
	parents    ParentResolver
	columns    []string
	publisher  EventPublisher
	logger     *log.Logger
	workers    int
	now        func() time.Time
}

// OrchestratorOption configures the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAggregation regenerates each file's parent meter over the file's window after insert.
func WithAggregation(aggregator ParentAggregator, parents ParentResolver, columns []string) OrchestratorOption {
	return func(o *Orchestrator) {
		o.aggregator = aggregator
		o.parents = parents
		o.columns = columns
	}
}

// WithWorkers bounds the number of files processed concurrently.
func WithWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPublisher sets the event publisher.
func WithPublisher(publisher EventPublisher) OrchestratorOption {
	return func(o *Orchestrator) {
		o.publisher = publisher
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(store ReadingWriter, formats FormatResolver, opts ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("import orchestrator: nil store")
	}
	if formats == nil {
		formats = Config{}
	}
	o := &Orchestrator{
		store:   store,
		formats: formats,
		logger:  log.Default(),
		workers: 1,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.aggregator != nil && o.parents == nil {
		return nil, errors.New("import orchestrator: aggregation needs a parent resolver")
	}
	return o, nil
}

// ProcessFiles imports items and returns their outcomes in submission order.
func (o *Orchestrator) ProcessFiles(ctx context.Context, items []ImportItem, control *Control) []ImportOutcome {
	outcomes := make([]ImportOutcome, 0, len(items))
	for outcome := range o.Stream(ctx, items, control) {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Stream imports items and emits each outcome, in submission order, as soon
// as it and all earlier outcomes are final. The channel is buffered for every
// item and closed after the last outcome.
//
// A file failure is recorded and the run continues. A store outage aborts
// the run: files not yet started are reported as not_processed. Cancelling
// ctx reports files not yet started as cancelled; store writes in flight are
// completed.
func (o *Orchestrator) Stream(ctx context.Context, items []ImportItem, control *Control) <-chan ImportOutcome {
	out := make(chan ImportOutcome, len(items))
	results := make([]ImportOutcome, len(items))
	done := make([]chan struct{}, len(items))
	for i := range done {
		done[i] = make(chan struct{})
	}

	run := &runState{}
	go func() {
		var g errgroup.Group
		g.SetLimit(o.workers)
		for i, item := range items {
			i, item := i, item
			g.Go(func() error {
				defer close(done[i])
				if outcome, skip := o.admit(ctx, item, control, run); skip {
					results[i] = outcome
					return nil
				}
				outcome, err := o.processFile(ctx, item)
				if errors.Is(err, telemetry.ErrStoreUnavailable) {
					run.abort(err)
				}
				results[i] = outcome
				return nil
			})
		}
		_ = g.Wait()
	}()

	go func() {
		defer close(out)
		for i := range items {
			<-done[i]
			out <- results[i]
		}
	}()
	return out
}

// admit decides whether an item may start.
func (o *Orchestrator) admit(ctx context.Context, item ImportItem, control *Control, run *runState) (ImportOutcome, bool) {
	if cause := run.cause(); cause != nil {
		return o.skipped(item, StatusNotProcessed, fmt.Sprintf("run aborted: %v", cause)), true
	}
	if err := control.wait(ctx); err != nil {
		return o.skipped(item, StatusCancelled, err.Error()), true
	}
	if cause := run.cause(); cause != nil {
		return o.skipped(item, StatusNotProcessed, fmt.Sprintf("run aborted: %v", cause)), true
	}
	return ImportOutcome{}, false
}

func (o *Orchestrator) skipped(item ImportItem, status Status, reason string) ImportOutcome {
	metrics.ObserveImportFile(string(status), 0)
	o.logger.Printf("event=import_file_skipped item_id=%s meter_id=%s file=%s status=%s reason=%q",
		item.ID, item.MeterID, item.FileName, status, reason)
	return ImportOutcome{
		ItemID:       item.ID,
		MeterID:      item.MeterID,
		FileName:     item.FileName,
		Status:       status,
		SampleErrors: []string{},
		Error:        reason,
	}
}

// processFile imports one file. The returned error is the cause of a failed outcome.
func (o *Orchestrator) processFile(ctx context.Context, item ImportItem) (ImportOutcome, error) {
	began := time.Now()
	outcome := ImportOutcome{
		ItemID:       item.ID,
		MeterID:      item.MeterID,
		FileName:     item.FileName,
		SampleErrors: []string{},
		StartedAt:    o.now().UTC(),
	}

	err := o.importFile(ctx, item, &outcome)
	outcome.FinishedAt = o.now().UTC()
	if err != nil {
		outcome.Status = StatusFailed
		outcome.Error = err.Error()
	} else {
		outcome.Status = StatusCompleted
	}

	metrics.ObserveImportFile(string(outcome.Status), time.Since(began))
	metrics.AddImportRows(metrics.RowsInserted, outcome.Inserted)
	metrics.AddImportRows(metrics.RowsDuplicate, outcome.DuplicatesSkipped)
	metrics.AddImportRows(metrics.RowsParseError, outcome.ParseErrors)
	o.logger.Printf("event=import_file_completed item_id=%s meter_id=%s file=%s status=%s rows=%d inserted=%d duplicates=%d parse_errors=%d",
		item.ID, item.MeterID, item.FileName, outcome.Status, outcome.TotalRows, outcome.Inserted, outcome.DuplicatesSkipped, outcome.ParseErrors)
	if err != nil {
		o.logger.Printf("event=import_file_failed item_id=%s meter_id=%s error=%v", item.ID, item.MeterID, err)
	}
	o.publish(ctx, outcome)
	return outcome, err
}

func (o *Orchestrator) importFile(ctx context.Context, item ImportItem, outcome *ImportOutcome) error {
	if item.MeterID == "" {
		return telemetry.ErrEmptyMeterID
	}
	format, err := o.formats.Format(item.Profile)
	if err != nil {
		return err
	}
	parsed, err := parser.ParseBytes(item.Data, format)
	if err != nil {
		return err
	}
	outcome.TotalRows = parsed.TotalRows
	outcome.ParseErrors = parsed.ParseErrors
	if parsed.SampleErrors != nil {
		outcome.SampleErrors = parsed.SampleErrors
	}

	// Writes are not interrupted by cancellation once started.
	writeCtx := context.WithoutCancel(ctx)
	inserted, err := o.store.InsertBatch(writeCtx, item.MeterID, parsed.Readings(item.MeterID, item.FileName))
	if err != nil {
		var batchErr *telemetry.BatchWriteError
		if errors.As(err, &batchErr) {
			outcome.Inserted = batchErr.Inserted
			outcome.DuplicatesSkipped = batchErr.DuplicatesSkipped
		}
		return err
	}
	outcome.Inserted = inserted.Inserted
	outcome.DuplicatesSkipped = inserted.DuplicatesSkipped

	if o.aggregator == nil || inserted.Inserted == 0 {
		return nil
	}
	from, to, ok := parsed.Span()
	if !ok {
		return nil
	}
	return o.aggregateAncestors(writeCtx, item.MeterID, from, to, outcome)
}

// aggregateAncestors regenerates the meter's parent and then every ancestor up
// to the root, each over the slots the level below rewrote.
func (o *Orchestrator) aggregateAncestors(ctx context.Context, meterID string, from, to time.Time, outcome *ImportOutcome) error {
	seen := map[string]struct{}{meterID: {}}
	current := meterID
	for {
		parentID, err := o.parents.GetParent(ctx, current)
		if err != nil {
			if !errors.Is(err, masterdata.ErrMeterNotFound) {
				outcome.AggregationError = err.Error()
			}
			return nil
		}
		if parentID == "" {
			return nil
		}
		if _, ok := seen[parentID]; ok {
			outcome.AggregationError = fmt.Sprintf("meter %s reached twice walking ancestors", parentID)
			return nil
		}
		seen[parentID] = struct{}{}

		result, err := o.aggregator.AggregateParent(ctx, analytics.Request{
			ParentMeterID: parentID,
			Columns:       o.columns,
			From:          from,
			To:            to,
		})
		if err != nil {
			outcome.AggregationError = err.Error()
			if errors.Is(err, telemetry.ErrStoreUnavailable) {
				return err
			}
			return nil
		}
		if outcome.Aggregation == nil {
			outcome.Aggregation = &result
		} else {
			outcome.AncestorAggregations = append(outcome.AncestorAggregations, result)
		}
		from, to = result.From, result.To
		current = parentID
	}
}

func (o *Orchestrator) publish(ctx context.Context, outcome ImportOutcome) {
	if o.publisher == nil {
		return
	}
	evt := events.ImportCompleted{
		ItemID:            outcome.ItemID,
		MeterID:           outcome.MeterID,
		FileName:          outcome.FileName,
		Status:            string(outcome.Status),
		TotalRows:         outcome.TotalRows,
		Inserted:          outcome.Inserted,
		DuplicatesSkipped: outcome.DuplicatesSkipped,
		ParseErrors:       outcome.ParseErrors,
		Error:             outcome.Error,
		OccurredAt:        outcome.FinishedAt,
	}
	if err := o.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		o.logger.Printf("event=import_publish_failed item_id=%s error=%v", outcome.ItemID, err)
	}
}

// runState records the systemic failure that aborted a run.
type runState struct {
	mu  sync.Mutex
	err error
}

func (r *runState) abort(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

func (r *runState) cause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
