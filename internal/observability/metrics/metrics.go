package metrics

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "gridledger_"

	resultSuccess = "success"
	resultError   = "error"
	resultEmpty   = "empty"
)

var (
	registerOnce sync.Once

	importFilesTotal   *prometheus.CounterVec
	importFileLatency  *prometheus.HistogramVec
	importRowsTotal    *prometheus.CounterVec
	storeBatchesTotal  *prometheus.CounterVec
	storeBatchLatency  *prometheus.HistogramVec
	storeRowsWritten   prometheus.Counter
	aggregationTotal   *prometheus.CounterVec
	aggregationLatency *prometheus.HistogramVec
	aggregationSlots   prometheus.Counter
	costTotal          *prometheus.CounterVec
	costLatency        *prometheus.HistogramVec
	eventPublishTotal  *prometheus.CounterVec
)

// Init registers metrics and DB-backed gauges. Safe to call more than once.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		importFilesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "import_files_total",
				Help: "Total imported files by status",
			},
			[]string{"status"},
		)
		importFileLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "import_file_latency_seconds",
				Help:    "Per-file import latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		)
		importRowsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "import_rows_total",
				Help: "Imported rows by outcome (inserted, duplicate, parse_error)",
			},
			[]string{"outcome"},
		)
		storeBatchesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_batches_total",
				Help: "Reading store insert batches by result",
			},
			[]string{"result"},
		)
		storeBatchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "store_batch_latency_seconds",
				Help:    "Reading store insert batch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		storeRowsWritten = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "store_rows_written_total",
				Help: "Rows written to the reading store",
			},
		)
		aggregationTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_runs_total",
				Help: "Hierarchy aggregation runs by result",
			},
			[]string{"result"},
		)
		aggregationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "aggregation_latency_seconds",
				Help:    "Hierarchy aggregation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		aggregationSlots = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "aggregation_slots_total",
				Help: "Synthetic slot values written by aggregation",
			},
		)
		costTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cost_computations_total",
				Help: "Tariff cost computations by mode and result",
			},
			[]string{"mode", "result"},
		)
		costLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cost_latency_seconds",
				Help:    "Tariff cost computation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		)
		eventPublishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "event_publish_total",
				Help: "Published domain events by sink and result",
			},
			[]string{"sink", "result"},
		)

		prometheus.MustRegister(
			importFilesTotal,
			importFileLatency,
			importRowsTotal,
			storeBatchesTotal,
			storeBatchLatency,
			storeRowsWritten,
			aggregationTotal,
			aggregationLatency,
			aggregationSlots,
			costTotal,
			costLatency,
			eventPublishTotal,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveImportFile records one processed file.
func ObserveImportFile(status string, duration time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if importFilesTotal != nil {
		importFilesTotal.WithLabelValues(status).Inc()
	}
	if importFileLatency != nil {
		importFileLatency.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// AddImportRows increments row counters for an outcome.
func AddImportRows(outcome string, count int) {
	if count <= 0 || importRowsTotal == nil {
		return
	}
	importRowsTotal.WithLabelValues(outcome).Add(float64(count))
}

// ObserveStoreBatch records one insert batch.
func ObserveStoreBatch(result string, written int, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if storeBatchesTotal != nil {
		storeBatchesTotal.WithLabelValues(result).Inc()
	}
	if storeBatchLatency != nil {
		storeBatchLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if storeRowsWritten != nil && written > 0 {
		storeRowsWritten.Add(float64(written))
	}
}

// ObserveAggregation records an aggregation run and the slots it produced.
func ObserveAggregation(result string, slots int, duration time.Duration) {
	if result == "" {
		result = resultSuccess
	}
	if aggregationTotal != nil {
		aggregationTotal.WithLabelValues(result).Inc()
	}
	if aggregationLatency != nil {
		aggregationLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
	if aggregationSlots != nil && slots > 0 {
		aggregationSlots.Add(float64(slots))
	}
}

// ObserveCost records a cost computation.
func ObserveCost(mode, result string, duration time.Duration) {
	if mode == "" {
		mode = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if costTotal != nil {
		costTotal.WithLabelValues(mode, result).Inc()
	}
	if costLatency != nil {
		costLatency.WithLabelValues(mode).Observe(duration.Seconds())
	}
}

// IncEventPublish counts a publish attempt for a sink.
func IncEventPublish(sink, result string) {
	if sink == "" {
		sink = "unknown"
	}
	if eventPublishTotal != nil {
		eventPublishTotal.WithLabelValues(sink, result).Inc()
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultEmpty   = resultEmpty

	RowsInserted   = "inserted"
	RowsDuplicate  = "duplicate"
	RowsParseError = "parse_error"
)
