package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	telemetry "gridledger/internal/telemetry/domain"
)

const defaultReadingsTable = "meter_readings"

// ReadingRepository is a Postgres implementation of the reading backend.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*ReadingRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewReadingRepository constructs a repository with default table name.
func NewReadingRepository(db *sql.DB, opts ...RepositoryOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ExistingKeys loads stored (channel, ts) keys for a meter in [from, to].
func (r *ReadingRepository) ExistingKeys(ctx context.Context, meterID string, from, to time.Time) (map[telemetry.Key]struct{}, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT channel, ts
FROM %s
WHERE meter_id = $1
	AND ts >= $2
	AND ts <= $3`, r.table)

	rows, err := r.db.QueryContext(ctx, query, meterID, from.UTC(), to.UTC())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	keys := make(map[telemetry.Key]struct{})
	for rows.Next() {
		var channel string
		var ts time.Time
		if err := rows.Scan(&channel, &ts); err != nil {
			return nil, err
		}
		keys[telemetry.NewKey(channel, ts)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return keys, nil
}

// Insert writes readings in one transaction; conflicting keys are ignored.
func (r *ReadingRepository) Insert(ctx context.Context, readings []telemetry.Reading) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	meter_id,
	channel,
	ts,
	value,
	unit,
	source
) VALUES (
	$1, $2, $3, $4, $5, $6
)
ON CONFLICT (meter_id, channel, ts) DO NOTHING`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return 0, classify(err)
	}
	defer stmt.Close()

	written := 0
	for _, reading := range readings {
		if reading.MeterID == "" || reading.TS.IsZero() {
			_ = tx.Rollback()
			return 0, telemetry.ErrInvalidReading
		}
		res, err := stmt.ExecContext(
			ctx,
			reading.MeterID,
			reading.Channel,
			reading.TS.UTC().Truncate(time.Microsecond),
			reading.Value,
			string(reading.Unit),
			reading.Source,
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, classify(err)
		}
		affected, err := res.RowsAffected()
		if err == nil {
			written += int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, classify(err)
	}
	return written, nil
}

// Delete removes readings for a meter in [from, to].
func (r *ReadingRepository) Delete(ctx context.Context, meterID string, from, to time.Time) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("reading repo: nil db")
	}

	query := fmt.Sprintf(`
DELETE FROM %s
WHERE meter_id = $1
	AND ts >= $2
	AND ts <= $3`, r.table)

	res, err := r.db.ExecContext(ctx, query, meterID, from.UTC(), to.UTC())
	if err != nil {
		return 0, classify(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// List returns one keyset page ordered by (ts, channel).
func (r *ReadingRepository) List(ctx context.Context, meterID string, from, to time.Time, after *telemetry.Cursor, limit int) ([]telemetry.Reading, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("reading repo: nil db")
	}
	if limit <= 0 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if after == nil {
		query := fmt.Sprintf(`
SELECT meter_id, channel, ts, value, unit, source
FROM %s
WHERE meter_id = $1
	AND ts >= $2
	AND ts <= $3
ORDER BY ts ASC, channel ASC
LIMIT $4`, r.table)
		rows, err = r.db.QueryContext(ctx, query, meterID, from.UTC(), to.UTC(), limit)
	} else {
		query := fmt.Sprintf(`
SELECT meter_id, channel, ts, value, unit, source
FROM %s
WHERE meter_id = $1
	AND ts >= $2
	AND ts <= $3
	AND (ts, channel) > ($4, $5)
ORDER BY ts ASC, channel ASC
LIMIT $6`, r.table)
		rows, err = r.db.QueryContext(ctx, query, meterID, from.UTC(), to.UTC(), after.TS.UTC(), after.Channel, limit)
	}
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	result := make([]telemetry.Reading, 0, limit)
	for rows.Next() {
		var reading telemetry.Reading
		var unit string
		var source sql.NullString
		if err := rows.Scan(&reading.MeterID, &reading.Channel, &reading.TS, &reading.Value, &unit, &source); err != nil {
			return nil, err
		}
		reading.TS = reading.TS.UTC()
		reading.Unit = telemetry.Unit(unit)
		if source.Valid {
			reading.Source = source.String
		}
		result = append(result, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// classify marks connection-level failures as systemic.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone):
		return telemetry.Unavailable(err)
	}
	return err
}
