package apihttp

import (
	"context"
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	telemetry "gridledger/internal/telemetry/domain"
)

// ReadingReader pages through stored readings.
type ReadingReader interface {
	Iterate(ctx context.Context, meterID string, from, to time.Time, pageSize int, fn func([]telemetry.Reading) error) error
}

// ExportReadingsCSVHandler serves reading CSV exports.
type ExportReadingsCSVHandler struct {
	readings ReadingReader
}

// NewExportReadingsCSVHandler constructs an ExportReadingsCSVHandler.
func NewExportReadingsCSVHandler(readings ReadingReader) *ExportReadingsCSVHandler {
	return &ExportReadingsCSVHandler{readings: readings}
}

// ServeHTTP handles GET /api/v1/exports/readings.csv.
func (h *ExportReadingsCSVHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.readings == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	meterID := r.URL.Query().Get("meter_id")
	if meterID == "" {
		http.Error(w, "meter_id is required", http.StatusBadRequest)
		return
	}
	from, err := parseTimeQuery(r, "from")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseTimeQuery(r, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !to.After(from) {
		http.Error(w, "to must be after from", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"meter_id",
		"channel",
		"ts",
		"value",
		"unit",
		"source",
	})
	err = h.readings.Iterate(r.Context(), meterID, from, to, 0, func(page []telemetry.Reading) error {
		for _, reading := range page {
			if err := writer.Write([]string{
				reading.MeterID,
				reading.Channel,
				formatTime(reading.TS),
				formatFloat(reading.Value),
				string(reading.Unit),
				reading.Source,
			}); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	})
	writer.Flush()
	if err != nil {
		// headers are already sent
		_ = writer.Write([]string{"error", err.Error()})
		writer.Flush()
	}
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
