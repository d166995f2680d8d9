package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	settlement "gridledger/internal/settlement/domain"
)

const (
	defaultTariffsTable   = "tariffs"
	defaultBlocksTable    = "tariff_blocks"
	defaultChargesTable   = "tariff_fixed_charges"
	defaultTOUPeriodTable = "tariff_tou_periods"
)

// PostgresCatalog loads tariffs from the tariff tables.
type PostgresCatalog struct {
	db           *sql.DB
	tariffsTable string
	blocksTable  string
	chargesTable string
	touTable     string
}

// CatalogOption configures the catalog.
type CatalogOption func(*PostgresCatalog)

// WithTariffsTable overrides the tariffs table name.
func WithTariffsTable(table string) CatalogOption {
	return func(c *PostgresCatalog) {
		if table != "" {
			c.tariffsTable = table
		}
	}
}

// WithBlocksTable overrides the blocks table name.
func WithBlocksTable(table string) CatalogOption {
	return func(c *PostgresCatalog) {
		if table != "" {
			c.blocksTable = table
		}
	}
}

// WithChargesTable overrides the fixed charges table name.
func WithChargesTable(table string) CatalogOption {
	return func(c *PostgresCatalog) {
		if table != "" {
			c.chargesTable = table
		}
	}
}

// WithTOUTable overrides the TOU periods table name.
func WithTOUTable(table string) CatalogOption {
	return func(c *PostgresCatalog) {
		if table != "" {
			c.touTable = table
		}
	}
}

// NewPostgresCatalog constructs a catalog.
func NewPostgresCatalog(db *sql.DB, opts ...CatalogOption) *PostgresCatalog {
	c := &PostgresCatalog{
		db:           db,
		tariffsTable: defaultTariffsTable,
		blocksTable:  defaultBlocksTable,
		chargesTable: defaultChargesTable,
		touTable:     defaultTOUPeriodTable,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetTariff loads and validates a tariff with its blocks, charges and periods.
func (c *PostgresCatalog) GetTariff(ctx context.Context, id string) (settlement.Tariff, error) {
	if c == nil || c.db == nil {
		return settlement.Tariff{}, errors.New("tariff catalog: nil db")
	}
	if id == "" {
		return settlement.Tariff{}, fmt.Errorf("%w: empty id", settlement.ErrTariffNotFound)
	}

	tariff, err := c.loadTariff(ctx, id)
	if err != nil {
		return settlement.Tariff{}, err
	}
	if tariff.Blocks, err = c.loadBlocks(ctx, id); err != nil {
		return settlement.Tariff{}, err
	}
	if tariff.FixedCharges, err = c.loadCharges(ctx, id); err != nil {
		return settlement.Tariff{}, err
	}
	if tariff.UsesTOU {
		if tariff.TOUPeriods, err = c.loadPeriods(ctx, id); err != nil {
			return settlement.Tariff{}, err
		}
	}
	if err := tariff.Validate(); err != nil {
		return settlement.Tariff{}, err
	}
	return tariff, nil
}

func (c *PostgresCatalog) loadTariff(ctx context.Context, id string) (settlement.Tariff, error) {
	query := fmt.Sprintf(`
SELECT id, name, currency, uses_tou, effective_from, effective_to
FROM %s
WHERE id = $1`, c.tariffsTable)

	var (
		t        settlement.Tariff
		from, to sql.NullTime
	)
	if err := c.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.Currency, &t.UsesTOU, &from, &to); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.Tariff{}, fmt.Errorf("%w: %s", settlement.ErrTariffNotFound, id)
		}
		return settlement.Tariff{}, err
	}
	if from.Valid {
		t.EffectiveFrom = from.Time.UTC()
	}
	if to.Valid {
		// effective_to is an inclusive date.
		t.EffectiveTo = to.Time.UTC().Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (c *PostgresCatalog) loadBlocks(ctx context.Context, id string) ([]settlement.Block, error) {
	query := fmt.Sprintf(`
SELECT from_kwh, to_kwh, cents_per_kwh
FROM %s
WHERE tariff_id = $1
ORDER BY from_kwh ASC`, c.blocksTable)

	rows, err := c.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blocks []settlement.Block
	for rows.Next() {
		var (
			b  settlement.Block
			to sql.NullFloat64
		)
		if err := rows.Scan(&b.FromKWh, &to, &b.CentsPerKWh); err != nil {
			return nil, err
		}
		if to.Valid {
			upper := to.Float64
			b.ToKWh = &upper
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

func (c *PostgresCatalog) loadCharges(ctx context.Context, id string) ([]settlement.FixedCharge, error) {
	query := fmt.Sprintf(`
SELECT charge_type, name, amount, cadence
FROM %s
WHERE tariff_id = $1
ORDER BY charge_type, name`, c.chargesTable)

	rows, err := c.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var charges []settlement.FixedCharge
	for rows.Next() {
		var fc settlement.FixedCharge
		var chargeType, cadence string
		if err := rows.Scan(&chargeType, &fc.Name, &fc.Amount, &cadence); err != nil {
			return nil, err
		}
		fc.Type = settlement.ChargeType(chargeType)
		fc.Cadence = settlement.Cadence(cadence)
		charges = append(charges, fc)
	}
	return charges, rows.Err()
}

func (c *PostgresCatalog) loadPeriods(ctx context.Context, id string) ([]settlement.TOUPeriod, error) {
	query := fmt.Sprintf(`
SELECT season, day_type, start_hour, end_hour, cents_per_kwh
FROM %s
WHERE tariff_id = $1
ORDER BY season, day_type, start_hour`, c.touTable)

	rows, err := c.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var periods []settlement.TOUPeriod
	for rows.Next() {
		var p settlement.TOUPeriod
		var season, dayType string
		if err := rows.Scan(&season, &dayType, &p.StartHour, &p.EndHour, &p.CentsPerKWh); err != nil {
			return nil, err
		}
		p.Season = settlement.Season(season)
		p.DayType = settlement.DayType(dayType)
		periods = append(periods, p)
	}
	return periods, rows.Err()
}
