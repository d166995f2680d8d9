package apihttp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies are the services exposed over HTTP; nil ones are not routed.
type Dependencies struct {
	Importer   Importer
	Aggregator Aggregator
	Coster     Coster
	Meters     MeterRegistry
	Readings   ReadingReader
}

// NewRouter builds the API mux.
func NewRouter(deps Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	if deps.Importer != nil {
		imports := NewImportsHandler(deps.Importer)
		mux.Handle("/api/v1/imports", imports)
		mux.Handle("/api/v1/imports/", imports)
	}
	if deps.Aggregator != nil {
		mux.Handle("/api/v1/aggregations", NewAggregationsHandler(deps.Aggregator))
	}
	if deps.Coster != nil {
		costs := NewCostsHandler(deps.Coster)
		mux.Handle("/api/v1/costs", costs)
		mux.Handle("/api/v1/costs/seasonal", costs)
	}
	if deps.Meters != nil {
		mux.Handle("/api/v1/meters", NewMetersHandler(deps.Meters))
	}
	if deps.Readings != nil {
		mux.Handle("/api/v1/exports/readings.csv", NewExportReadingsCSVHandler(deps.Readings))
	}
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
