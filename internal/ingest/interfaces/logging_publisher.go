package interfaces

import (
	"context"
	"errors"
	"log"

	analyticsevents "gridledger/internal/analytics/application/events"
	"gridledger/internal/eventing"
	"gridledger/internal/ingest/application/events"
)

// LoggingPublisher logs import and aggregation events.
type LoggingPublisher struct {
	logger *log.Logger
}

// NewLoggingPublisher constructs a logging publisher.
func NewLoggingPublisher(logger *log.Logger) *LoggingPublisher {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingPublisher{logger: logger}
}

// Handle logs the event; it implements eventing.EventHandler.
func (p *LoggingPublisher) Handle(ctx context.Context, event any) error {
	if p == nil {
		return errors.New("logging publisher: nil publisher")
	}
	eventID, runID := "", eventing.RunIDFromContext(ctx)
	if env, ok := eventing.EnvelopeFromContext(ctx); ok {
		eventID, runID = env.EventID, env.RunID
	}
	switch e := event.(type) {
	case events.ImportCompleted:
		p.logger.Printf("import completed: event_id=%s run_id=%s item=%s meter=%s status=%s inserted=%d duplicates=%d parse_errors=%d",
			eventID, runID, e.ItemID, e.MeterID, e.Status, e.Inserted, e.DuplicatesSkipped, e.ParseErrors)
	case analyticsevents.AggregationCompleted:
		p.logger.Printf("aggregation completed: event_id=%s parent=%s status=%s slots=%d energy_kwh=%.3f",
			eventID, e.ParentMeterID, e.Status, e.Slots, e.TotalEnergyKWh)
	default:
		p.logger.Printf("event published: event_id=%s type=%s", eventID, eventing.EventType(event))
	}
	return nil
}
