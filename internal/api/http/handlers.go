package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	analytics "gridledger/internal/analytics/application"
	"gridledger/internal/eventing"
	ingest "gridledger/internal/ingest/application"
	masterdata "gridledger/internal/masterdata/domain"
	settlementapp "gridledger/internal/settlement/application"
	settlement "gridledger/internal/settlement/domain"
	settlementinterfaces "gridledger/internal/settlement/interfaces"
)

const (
	timeLayout     = time.RFC3339
	maxImportBytes = 64 << 20
	xlsxType       = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Importer streams import outcomes.
type Importer interface {
	Stream(ctx context.Context, items []ingest.ImportItem, control *ingest.Control) <-chan ingest.ImportOutcome
}

// Aggregator regenerates parent series.
type Aggregator interface {
	AggregateParent(ctx context.Context, req analytics.Request) (analytics.Result, error)
	AggregateTree(ctx context.Context, rootID string, columns []string, from, to time.Time) ([]analytics.Result, error)
}

// Coster bills meters against tariffs.
type Coster interface {
	CostMeter(ctx context.Context, tariffID, meterID string, from, to time.Time) (settlementapp.MeterCost, error)
	SeasonalProfile(ctx context.Context, meterID string, from, to time.Time) (settlement.SeasonalAverage, error)
}

// MeterRegistry registers and lists meters.
type MeterRegistry interface {
	RegisterMeter(ctx context.Context, meter *masterdata.Meter) error
	Hierarchy(ctx context.Context) (*masterdata.Hierarchy, error)
}

// ImportsHandler serves file imports and run control.
type ImportsHandler struct {
	importer Importer

	mu   sync.Mutex
	runs map[string]*ingest.Control
}

// NewImportsHandler constructs an ImportsHandler.
func NewImportsHandler(importer Importer) *ImportsHandler {
	return &ImportsHandler{importer: importer, runs: make(map[string]*ingest.Control)}
}

type importRequest struct {
	Items []ingest.ImportItem `json:"items"`
}

// ServeHTTP handles POST /api/v1/imports, /api/v1/imports/pause and /api/v1/imports/resume.
//
// An import body is either JSON ({"items": [...]}, file data base64-encoded)
// or a raw CSV/XLSX file with meter_id, profile and file_name query
// parameters. Outcomes are streamed as NDJSON in submission order; the run id
// is returned in the X-Import-Run-ID header.
func (h *ImportsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.importer == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	switch strings.TrimSuffix(r.URL.Path, "/") {
	case "/api/v1/imports":
		h.serveImport(w, r)
	case "/api/v1/imports/pause":
		h.serveControl(w, r, (*ingest.Control).Pause)
	case "/api/v1/imports/resume":
		h.serveControl(w, r, (*ingest.Control).Resume)
	default:
		http.NotFound(w, r)
	}
}

func (h *ImportsHandler) serveImport(w http.ResponseWriter, r *http.Request) {
	items, err := decodeImportItems(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(items) == 0 {
		http.Error(w, "no import items", http.StatusBadRequest)
		return
	}

	runID := eventing.NewEventID()
	control := ingest.NewControl()
	h.mu.Lock()
	h.runs[runID] = control
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.runs, runID)
		h.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Import-Run-ID", runID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)
	ctx := eventing.WithRunID(r.Context(), runID)
	for outcome := range h.importer.Stream(ctx, items, control) {
		_ = encoder.Encode(outcome)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *ImportsHandler) serveControl(w http.ResponseWriter, r *http.Request, apply func(*ingest.Control)) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	control, ok := h.runs[runID]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	apply(control)
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "paused": control.Paused()})
}

func decodeImportItems(w http.ResponseWriter, r *http.Request) ([]ingest.ImportItem, error) {
	body := http.MaxBytesReader(w, r.Body, maxImportBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req importRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			return nil, errors.New("invalid json body")
		}
		return req.Items, nil
	}

	query := r.URL.Query()
	meterID := query.Get("meter_id")
	if meterID == "" {
		return nil, errors.New("meter_id is required")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.New("unreadable body")
	}
	fileName := query.Get("file_name")
	if fileName == "" {
		fileName = "upload"
	}
	return []ingest.ImportItem{{
		ID:       fileName,
		MeterID:  meterID,
		FileName: fileName,
		Profile:  query.Get("profile"),
		Data:     data,
	}}, nil
}

// AggregationsHandler serves parent aggregation runs.
type AggregationsHandler struct {
	aggregator Aggregator
}

// NewAggregationsHandler constructs an AggregationsHandler.
func NewAggregationsHandler(aggregator Aggregator) *AggregationsHandler {
	return &AggregationsHandler{aggregator: aggregator}
}

type aggregationRequest struct {
	ParentMeterID string    `json:"parent_meter_id"`
	Columns       []string  `json:"columns"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	Tree          bool      `json:"tree"`
}

// ServeHTTP handles POST /api/v1/aggregations.
func (h *AggregationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.aggregator == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var req aggregationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.ParentMeterID == "" {
		http.Error(w, "parent_meter_id is required", http.StatusBadRequest)
		return
	}
	if req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		http.Error(w, "from and to are required, to must not be before from", http.StatusBadRequest)
		return
	}

	if req.Tree {
		results, err := h.aggregator.AggregateTree(r.Context(), req.ParentMeterID, req.Columns, req.From, req.To)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
		return
	}
	result, err := h.aggregator.AggregateParent(r.Context(), analytics.Request{
		ParentMeterID: req.ParentMeterID,
		Columns:       req.Columns,
		From:          req.From,
		To:            req.To,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CostsHandler serves tariff costing of stored readings.
type CostsHandler struct {
	coster Coster
}

// NewCostsHandler constructs a CostsHandler.
func NewCostsHandler(coster Coster) *CostsHandler {
	return &CostsHandler{coster: coster}
}

// ServeHTTP handles GET /api/v1/costs and GET /api/v1/costs/seasonal.
func (h *CostsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.coster == nil {
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

	if strings.TrimSuffix(r.URL.Path, "/") == "/api/v1/costs/seasonal" {
		avg, err := h.coster.SeasonalProfile(r.Context(), meterID, from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, avg)
		return
	}

	tariffID := r.URL.Query().Get("tariff_id")
	if tariffID == "" {
		http.Error(w, "tariff_id is required", http.StatusBadRequest)
		return
	}
	cost, err := h.coster.CostMeter(r.Context(), tariffID, meterID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, cost)
	case "xlsx":
		data, err := settlementinterfaces.BuildCostStatementXLSX(cost)
		if err != nil {
			http.Error(w, "render statement error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", xlsxType)
		w.Header().Set("Content-Disposition", `attachment; filename="cost-`+meterID+`.xlsx"`)
		_, _ = w.Write(data)
	default:
		http.Error(w, "format must be json or xlsx", http.StatusBadRequest)
	}
}

// MetersHandler serves meter registration and listing.
type MetersHandler struct {
	registry MeterRegistry
}

// NewMetersHandler constructs a MetersHandler.
func NewMetersHandler(registry MeterRegistry) *MetersHandler {
	return &MetersHandler{registry: registry}
}

// ServeHTTP handles GET and POST /api/v1/meters.
func (h *MetersHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.registry == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		hierarchy, err := h.registry.Hierarchy(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, hierarchy.Meters())
	case http.MethodPost:
		var meter masterdata.Meter
		if err := json.NewDecoder(r.Body).Decode(&meter); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if err := h.registry.RegisterMeter(r.Context(), &meter); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, meter)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
