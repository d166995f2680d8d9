package influx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	telemetry "gridledger/internal/telemetry/domain"
)

const defaultMeasurement = "meter_reading"

// Config holds InfluxDB connection settings.
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

// ReadingRepository stores readings as points tagged by meter and channel.
// The source label is written as a string field and is not read back.
type ReadingRepository struct {
	client      influxdb2.Client
	org         string
	bucket      string
	measurement string
}

// NewReadingRepository connects to InfluxDB and verifies its health.
func NewReadingRepository(ctx context.Context, cfg Config) (*ReadingRepository, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx reading repo: url, org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	if _, err := client.Health(ctx); err != nil {
		client.Close()
		return nil, telemetry.Unavailable(fmt.Errorf("influx health: %w", err))
	}
	return NewReadingRepositoryWithClient(client, cfg), nil
}

// NewReadingRepositoryWithClient wraps an existing client.
func NewReadingRepositoryWithClient(client influxdb2.Client, cfg Config) *ReadingRepository {
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &ReadingRepository{client: client, org: cfg.Org, bucket: cfg.Bucket, measurement: measurement}
}

// Close releases the client.
func (r *ReadingRepository) Close() {
	if r != nil && r.client != nil {
		r.client.Close()
	}
}

// ExistingKeys returns stored keys for a meter in [from, to].
func (r *ReadingRepository) ExistingKeys(ctx context.Context, meterID string, from, to time.Time) (map[telemetry.Key]struct{}, error) {
	flux := r.baseQuery(meterID, from, to) + `
  |> keep(columns: ["_time", "channel"])`

	keys := make(map[telemetry.Key]struct{})
	err := r.query(ctx, flux, func(ts time.Time, values map[string]interface{}) {
		channel, _ := values["channel"].(string)
		keys[telemetry.NewKey(channel, ts)] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Insert writes readings as points. Points with an existing key overwrite in place.
func (r *ReadingRepository) Insert(ctx context.Context, readings []telemetry.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	points := make([]*write.Point, 0, len(readings))
	for _, reading := range readings {
		if reading.MeterID == "" || reading.TS.IsZero() {
			return 0, telemetry.ErrInvalidReading
		}
		points = append(points, write.NewPoint(
			r.measurement,
			map[string]string{
				"meter_id": reading.MeterID,
				"channel":  reading.Channel,
				"unit":     string(reading.Unit),
			},
			map[string]interface{}{
				"value":  reading.Value,
				"source": reading.Source,
			},
			reading.TS.UTC(),
		))
	}
	if err := r.client.WriteAPIBlocking(r.org, r.bucket).WritePoint(ctx, points...); err != nil {
		return 0, classify(err)
	}
	return len(points), nil
}

// Delete removes readings for a meter in [from, to].
func (r *ReadingRepository) Delete(ctx context.Context, meterID string, from, to time.Time) (int, error) {
	flux := r.baseQuery(meterID, from, to) + `
  |> group()
  |> count()`

	deleted := 0
	err := r.query(ctx, flux, func(_ time.Time, values map[string]interface{}) {
		if n, ok := values["_value"].(int64); ok {
			deleted += int(n)
		}
	})
	if err != nil {
		return 0, err
	}
	if deleted == 0 {
		return 0, nil
	}

	predicate := fmt.Sprintf(`_measurement=%s AND meter_id=%s`, strconv.Quote(r.measurement), strconv.Quote(meterID))
	// the delete API range is inclusive on both ends
	if err := r.client.DeleteAPI().DeleteWithName(ctx, r.org, r.bucket, from.UTC(), to.UTC(), predicate); err != nil {
		return 0, classify(err)
	}
	return deleted, nil
}

// List returns one page ordered by (_time, channel).
func (r *ReadingRepository) List(ctx context.Context, meterID string, from, to time.Time, after *telemetry.Cursor, limit int) ([]telemetry.Reading, error) {
	if limit <= 0 {
		limit = 1000
	}
	var b strings.Builder
	b.WriteString(r.baseQuery(meterID, from, to))
	if after != nil {
		cursorTS := after.TS.UTC().Format(time.RFC3339Nano)
		fmt.Fprintf(&b, `
  |> filter(fn: (r) => r._time > time(v: %q) or (r._time == time(v: %q) and r.channel > %s))`,
			cursorTS, cursorTS, strconv.Quote(after.Channel))
	}
	fmt.Fprintf(&b, `
  |> group()
  |> sort(columns: ["_time", "channel"])
  |> limit(n: %d)`, limit)

	result := make([]telemetry.Reading, 0, limit)
	err := r.query(ctx, b.String(), func(ts time.Time, values map[string]interface{}) {
		reading := telemetry.Reading{MeterID: meterID, TS: ts.UTC()}
		reading.Channel, _ = values["channel"].(string)
		if unit, ok := values["unit"].(string); ok {
			reading.Unit = telemetry.Unit(unit)
		}
		reading.Value, _ = values["_value"].(float64)
		result = append(result, reading)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *ReadingRepository) baseQuery(meterID string, from, to time.Time) string {
	// range stop is exclusive
	stop := to.UTC().Add(time.Nanosecond)
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %s and r.meter_id == %s and r._field == "value")`,
		strconv.Quote(r.bucket),
		from.UTC().Format(time.RFC3339Nano),
		stop.Format(time.RFC3339Nano),
		strconv.Quote(r.measurement),
		strconv.Quote(meterID),
	)
}

func (r *ReadingRepository) query(ctx context.Context, flux string, fn func(time.Time, map[string]interface{})) error {
	result, err := r.client.QueryAPI(r.org).Query(ctx, flux)
	if err != nil {
		return classify(err)
	}
	defer result.Close()
	for result.Next() {
		record := result.Record()
		fn(record.Time(), record.Values())
	}
	if err := result.Err(); err != nil {
		return classify(err)
	}
	return nil
}

// classify marks transport failures as systemic; server-side query errors pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return telemetry.Unavailable(err)
	}
	msg := err.Error()
	for _, marker := range []string{"connection refused", "no such host", "i/o timeout", "EOF", "unavailable"} {
		if strings.Contains(msg, marker) {
			return telemetry.Unavailable(err)
		}
	}
	return err
}
