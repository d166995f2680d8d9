package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"gridledger/internal/telemetry/application"
	telemetry "gridledger/internal/telemetry/domain"
	telemetrypostgres "gridledger/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestReadingStorePerf_30dImport_7dIterate(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "meter_readings") {
		t.Skip("meter_readings missing; run migrations")
	}

	ctx := context.Background()
	meterID := "meter-perf"

	start := time.Now().UTC().AddDate(0, 0, -30).Truncate(24 * time.Hour)
	end := time.Now().UTC().Truncate(24 * time.Hour)

	_, _ = db.ExecContext(ctx, `DELETE FROM meter_readings WHERE meter_id = $1`, meterID)

	store, err := application.NewReadingStore(telemetrypostgres.NewReadingRepository(db))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	readings := make([]telemetry.Reading, 0, 30*48*2)
	for ts := start; ts.Before(end); ts = ts.Add(30 * time.Minute) {
		readings = append(readings,
			telemetry.Reading{MeterID: meterID, Channel: "P1", TS: ts, Value: float64(ts.Hour()) + 10, Source: "perf"},
			telemetry.Reading{MeterID: meterID, Channel: "S", TS: ts, Value: float64(ts.Hour()) + 20, Unit: telemetry.UnitKVA, Source: "perf"},
		)
	}

	insertStart := time.Now()
	result, err := store.InsertBatch(ctx, meterID, readings)
	if err != nil {
		t.Fatalf("insert readings: %v", err)
	}
	insertElapsed := time.Since(insertStart)
	if result.Inserted != len(readings) {
		t.Fatalf("expected %d inserted, got %d", len(readings), result.Inserted)
	}

	again, err := store.InsertBatch(ctx, meterID, readings)
	if err != nil {
		t.Fatalf("re-insert readings: %v", err)
	}
	if again.Inserted != 0 || again.DuplicatesSkipped != len(readings) {
		t.Fatalf("expected idempotent re-import, got %+v", again)
	}

	queryStart := time.Now()
	count := 0
	err = store.Iterate(ctx, meterID, end.AddDate(0, 0, -7), end.Add(-time.Nanosecond), 500, func(page []telemetry.Reading) error {
		count += len(page)
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	iterateElapsed := time.Since(queryStart)
	if count != 7*48*2 {
		t.Fatalf("expected %d readings in 7d, got %d", 7*48*2, count)
	}

	deleted, err := store.DeleteRange(ctx, meterID, start, end)
	if err != nil {
		t.Fatalf("delete range: %v", err)
	}
	if deleted != len(readings) {
		t.Fatalf("expected %d deleted, got %d", len(readings), deleted)
	}

	t.Logf("perf insert 30d rows=%d elapsed=%s", len(readings), insertElapsed)
	t.Logf("perf iterate 7d rows=%d elapsed=%s", count, iterateElapsed)
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow(`SELECT to_regclass($1) IS NOT NULL`, "public."+name).Scan(&exists)
	return err == nil && exists
}
