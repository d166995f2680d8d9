package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	masterdata "gridledger/internal/masterdata/domain"
)

const defaultMetersTable = "meters"

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MeterRepository is a Postgres implementation for meters and their hierarchy.
type MeterRepository struct {
	db    DBTX
	table string
}

// NewMeterRepository constructs a repository.
func NewMeterRepository(db DBTX, opts ...MeterOption) *MeterRepository {
	repo := &MeterRepository{db: db, table: defaultMetersTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// MeterOption configures the repository.
type MeterOption func(*MeterRepository)

// WithMeterTable overrides the default table name.
func WithMeterTable(table string) MeterOption {
	return func(repo *MeterRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// List loads all meters.
func (r *MeterRepository) List(ctx context.Context) ([]masterdata.Meter, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meter repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, name, COALESCE(parent_id, ''), polarity
FROM %s
ORDER BY id`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meters []masterdata.Meter
	for rows.Next() {
		var m masterdata.Meter
		var polarity string
		if err := rows.Scan(&m.ID, &m.Name, &m.ParentID, &polarity); err != nil {
			return nil, err
		}
		m.Polarity = masterdata.Polarity(polarity)
		meters = append(meters, m)
	}
	return meters, rows.Err()
}

// Save upserts a meter.
func (r *MeterRepository) Save(ctx context.Context, meter *masterdata.Meter) error {
	if r == nil || r.db == nil {
		return errors.New("meter repo: nil db")
	}
	if meter == nil {
		return errors.New("meter repo: nil meter")
	}
	if err := meter.Validate(); err != nil {
		return err
	}
	polarity, _ := masterdata.ParsePolarity(string(meter.Polarity))

	query := fmt.Sprintf(`
INSERT INTO %s (id, name, parent_id, polarity)
VALUES ($1, $2, NULLIF($3, ''), $4)
ON CONFLICT (id)
DO UPDATE SET
	name = EXCLUDED.name,
	parent_id = EXCLUDED.parent_id,
	polarity = EXCLUDED.polarity,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(ctx, query, meter.ID, meter.Name, meter.ParentID, string(polarity))
	return err
}

// GetChildren returns direct children of a meter in id order.
func (r *MeterRepository) GetChildren(ctx context.Context, meterID string) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("meter repo: nil db")
	}
	if meterID == "" {
		return nil, masterdata.ErrEmptyMeterID
	}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE parent_id = $1 ORDER BY id`, r.table)
	rows, err := r.db.QueryContext(ctx, query, meterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		children = append(children, id)
	}
	return children, rows.Err()
}

// GetPolarity returns the polarity of a meter.
func (r *MeterRepository) GetPolarity(ctx context.Context, meterID string) (masterdata.Polarity, error) {
	var polarity string
	if err := r.getColumn(ctx, "polarity", meterID, &polarity); err != nil {
		return "", err
	}
	return masterdata.ParsePolarity(polarity)
}

// GetParent returns the parent id of a meter, or "" for a root.
func (r *MeterRepository) GetParent(ctx context.Context, meterID string) (string, error) {
	var parent string
	if err := r.getColumn(ctx, "COALESCE(parent_id, '')", meterID, &parent); err != nil {
		return "", err
	}
	return parent, nil
}

func (r *MeterRepository) getColumn(ctx context.Context, column, meterID string, dest *string) error {
	if r == nil || r.db == nil {
		return errors.New("meter repo: nil db")
	}
	if meterID == "" {
		return masterdata.ErrEmptyMeterID
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 LIMIT 1`, column, r.table)
	if err := r.db.QueryRowContext(ctx, query, meterID).Scan(dest); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", masterdata.ErrMeterNotFound, meterID)
		}
		return err
	}
	return nil
}
