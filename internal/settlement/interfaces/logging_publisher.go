package interfaces

import (
	"context"
	"errors"
	"log"

	"gridledger/internal/settlement/application"
)

// LoggingPublisher logs cost computed events.
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

// PublishCostComputed logs the event.
func (p *LoggingPublisher) PublishCostComputed(ctx context.Context, event application.CostComputed) error {
	_ = ctx
	if p == nil {
		return errors.New("cost publisher: nil publisher")
	}
	p.logger.Printf("cost computed: meter=%s tariff=%s from=%s to=%s kwh=%.3f total=%.2f %s",
		event.MeterID, event.TariffID, event.From.Format("2006-01-02"), event.To.Format("2006-01-02"),
		event.TotalKWh, event.TotalCost, event.Currency)
	return nil
}
