package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gridledger/internal/analytics/domain/series"
	"gridledger/internal/observability/metrics"
	settlement "gridledger/internal/settlement/domain"
	telemetry "gridledger/internal/telemetry/domain"
)

const defaultPageSize = 1000

// TariffCatalog resolves tariffs by id.
type TariffCatalog interface {
	GetTariff(ctx context.Context, id string) (settlement.Tariff, error)
}

// ReadingSource pages through stored readings.
type ReadingSource interface {
	Iterate(ctx context.Context, meterID string, from, to time.Time, pageSize int, fn func([]telemetry.Reading) error) error
}

// MeterCost is a tariff evaluation of one meter over a window.
type MeterCost struct {
	MeterID  string    `json:"meter_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Readings int       `json:"readings"`
	settlement.CostResult
}

// CostService bills stored readings against catalog tariffs.
type CostService struct {
	tariffs   TariffCatalog
	readings  ReadingSource
	calendar  settlement.HolidayCalendar
	location  *time.Location
	logger    *log.Logger
	publisher CostPublisher
}

// CostComputed is emitted after a meter is billed.
type CostComputed struct {
	MeterID    string
	TariffID   string
	From       time.Time
	To         time.Time
	TotalKWh   float64
	TotalCost  float64
	Currency   string
	OccurredAt time.Time
}

// Subject keys the event by the billed meter.
func (e CostComputed) Subject() (string, time.Time) { return e.MeterID, e.OccurredAt }

// CostPublisher receives cost computed events.
type CostPublisher interface {
	PublishCostComputed(ctx context.Context, event CostComputed) error
}

// CostOption configures the service.
type CostOption func(*CostService)

// WithCalendar sets the public holiday calendar.
func WithCalendar(calendar settlement.HolidayCalendar) CostOption {
	return func(s *CostService) {
		if calendar != nil {
			s.calendar = calendar
		}
	}
}

// WithLocation sets the zone used to classify TOU slots.
func WithLocation(loc *time.Location) CostOption {
	return func(s *CostService) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) CostOption {
	return func(s *CostService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPublisher sets the cost computed publisher.
func WithPublisher(publisher CostPublisher) CostOption {
	return func(s *CostService) {
		s.publisher = publisher
	}
}

// NewCostService constructs a cost service.
func NewCostService(tariffs TariffCatalog, readings ReadingSource, opts ...CostOption) (*CostService, error) {
	if tariffs == nil {
		return nil, errors.New("cost service: nil tariff catalog")
	}
	if readings == nil {
		return nil, errors.New("cost service: nil reading source")
	}
	s := &CostService{
		tariffs:  tariffs,
		readings: readings,
		calendar: settlement.NoHolidays{},
		location: time.UTC,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CostMeter bills a meter's stored readings in [from, to].
// Energy columns are summed, kVA-like columns give the peak demand, and the
// billing period is the number of days the window covers (at least one).
func (s *CostService) CostMeter(ctx context.Context, tariffID, meterID string, from, to time.Time) (MeterCost, error) {
	began := time.Now()
	mode := "block"
	cost, err := s.costMeter(ctx, tariffID, meterID, from, to, &mode)
	if err != nil {
		metrics.ObserveCost(mode, metrics.ResultError, time.Since(began))
		s.logger.Printf("event=cost_failed meter_id=%s tariff_id=%s error=%v", meterID, tariffID, err)
		return MeterCost{}, err
	}
	metrics.ObserveCost(mode, metrics.ResultSuccess, time.Since(began))
	s.logger.Printf("event=cost_computed meter_id=%s tariff_id=%s mode=%s total_kwh=%.3f total_cost=%.2f days=%d",
		meterID, tariffID, mode, cost.TotalKWh, cost.TotalCost, cost.PeriodDays)
	if cost.UnbilledKWh > 0 {
		s.logger.Printf("event=cost_unbilled meter_id=%s tariff_id=%s unbilled_kwh=%.3f", meterID, tariffID, cost.UnbilledKWh)
	}
	if s.publisher != nil {
		event := CostComputed{
			MeterID:    meterID,
			TariffID:   tariffID,
			From:       cost.From,
			To:         cost.To,
			TotalKWh:   cost.TotalKWh,
			TotalCost:  cost.TotalCost,
			Currency:   cost.Currency,
			OccurredAt: time.Now().UTC(),
		}
		if err := s.publisher.PublishCostComputed(ctx, event); err != nil {
			s.logger.Printf("event=cost_publish_failed meter_id=%s error=%v", meterID, err)
		}
	}
	return cost, nil
}

func (s *CostService) costMeter(ctx context.Context, tariffID, meterID string, from, to time.Time, mode *string) (MeterCost, error) {
	if meterID == "" {
		return MeterCost{}, telemetry.ErrEmptyMeterID
	}
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return MeterCost{}, settlement.ErrInvalidPeriod
	}
	tariff, err := s.tariffs.GetTariff(ctx, tariffID)
	if err != nil {
		return MeterCost{}, err
	}
	if tariff.UsesTOU {
		*mode = "tou"
	}
	if !tariff.EffectiveAt(from) {
		return MeterCost{}, fmt.Errorf("%w: %s at %s", settlement.ErrTariffNotEffective, tariff.ID, from.Format(time.RFC3339))
	}
	// the whole window must be covered; a window ending exactly at EffectiveTo still is
	if to.After(from) && !tariff.EffectiveAt(to.Add(-time.Nanosecond)) {
		return MeterCost{}, fmt.Errorf("%w: %s at %s", settlement.ErrTariffNotEffective, tariff.ID, to.Format(time.RFC3339))
	}

	var total, peak float64
	slots := make(map[time.Time]float64)
	count := 0
	err = s.readings.Iterate(ctx, meterID, from, to, defaultPageSize, func(page []telemetry.Reading) error {
		for _, r := range page {
			count++
			switch {
			case series.IsMaxTracked(r.Channel):
				peak = math.Max(peak, r.Value)
			case series.IsEnergyColumn(r.Channel):
				total += r.Value
				slots[r.TS] += r.Value
			}
		}
		return nil
	})
	if err != nil {
		return MeterCost{}, err
	}

	usage := settlement.Usage{KWh: total, PeakKVA: peak, Days: PeriodDays(from, to)}
	if tariff.UsesTOU {
		usage.Slots = make([]settlement.SlotUsage, 0, len(slots))
		for ts, v := range slots {
			usage.Slots = append(usage.Slots, settlement.SlotUsage{Start: ts, KWh: v})
		}
		sort.Slice(usage.Slots, func(i, j int) bool { return usage.Slots[i].Start.Before(usage.Slots[j].Start) })
	}

	result, err := settlement.Bill(tariff, usage, settlement.TOUOptions{Calendar: s.calendar, Location: s.location})
	if err != nil {
		return MeterCost{}, err
	}
	return MeterCost{MeterID: meterID, From: from.UTC(), To: to.UTC(), Readings: count, CostResult: result}, nil
}

// SeasonalProfile averages a meter's daily energy per season, skipping days without consumption.
func (s *CostService) SeasonalProfile(ctx context.Context, meterID string, from, to time.Time) (settlement.SeasonalAverage, error) {
	if meterID == "" {
		return settlement.SeasonalAverage{}, telemetry.ErrEmptyMeterID
	}
	daily := make(map[time.Time]float64)
	err := s.readings.Iterate(ctx, meterID, from, to, defaultPageSize, func(page []telemetry.Reading) error {
		for _, r := range page {
			if !series.IsEnergyColumn(r.Channel) {
				continue
			}
			local := r.TS.In(s.location)
			day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.location)
			daily[day] += r.Value
		}
		return nil
	})
	if err != nil {
		return settlement.SeasonalAverage{}, err
	}
	points := make([]settlement.SeasonalPoint, 0, len(daily))
	for day, v := range daily {
		points = append(points, settlement.SeasonalPoint{At: day, Value: v})
	}
	return settlement.SeasonalAverages(points), nil
}

// PeriodDays is the number of whole days [from, to] touches, at least one.
func PeriodDays(from, to time.Time) int {
	days := int(math.Ceil(to.Sub(from).Hours() / 24))
	if days < 1 {
		return 1
	}
	return days
}
