package apihttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	analytics "gridledger/internal/analytics/application"
	ingest "gridledger/internal/ingest/application"
	masterapp "gridledger/internal/masterdata/application"
	masterdata "gridledger/internal/masterdata/domain"
	mastermemory "gridledger/internal/masterdata/infrastructure/memory"
	settlementapp "gridledger/internal/settlement/application"
	"gridledger/internal/settlement/infrastructure/pricing"
	telemetryapp "gridledger/internal/telemetry/application"
	"gridledger/internal/telemetry/infrastructure/memory"
)

const tariffsYAML = `
tariffs:
  - id: flat
    currency: ZAR
    blocks:
      - {from_kwh: 0, cents_per_kwh: 200}
`

const sampleCSV = "Date,Time,kWh\n2024-03-05,00:00,1.5\n2024-03-05,00:30,2.5\n"

type testServer struct {
	*httptest.Server
	store  *telemetryapp.ReadingStore
	meters *masterapp.MeterService
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	store, err := telemetryapp.NewReadingStore(memory.NewReadingRepository())
	require.NoError(t, err)
	meters, err := masterapp.NewMeterService(mastermemory.NewMeterRepository(
		masterdata.Meter{ID: "site"},
		masterdata.Meter{ID: "m1", ParentID: "site"},
	))
	require.NoError(t, err)
	agg, err := analytics.NewHierarchyAggregator(meters, store)
	require.NoError(t, err)
	orch, err := ingest.NewOrchestrator(store, ingest.Config{})
	require.NoError(t, err)
	catalog, err := pricing.ParseCatalog([]byte(tariffsYAML))
	require.NoError(t, err)
	coster, err := settlementapp.NewCostService(catalog, store)
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(Dependencies{
		Importer:   orch,
		Aggregator: agg,
		Coster:     coster,
		Meters:     meters,
		Readings:   store,
	}))
	t.Cleanup(srv.Close)
	return testServer{Server: srv, store: store, meters: meters}
}

func readOutcomes(t *testing.T, resp *http.Response) []ingest.ImportOutcome {
	t.Helper()
	var out []ingest.ImportOutcome
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var o ingest.ImportOutcome
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &o))
		out = append(out, o)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestImportRawCSV(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/imports?meter_id=m1&file_name=march.csv", "text/csv", strings.NewReader(sampleCSV))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Import-Run-ID"))

	outcomes := readOutcomes(t, resp)
	require.Len(t, outcomes, 1)
	assert.Equal(t, ingest.StatusCompleted, outcomes[0].Status)
	assert.Equal(t, 2, outcomes[0].Inserted)
	assert.Equal(t, "march.csv", outcomes[0].FileName)
}

func TestImportJSONItemsStreamInOrder(t *testing.T) {
	srv := newTestServer(t)

	body, err := json.Marshal(map[string]any{"items": []ingest.ImportItem{
		{ID: "one", MeterID: "m1", Data: []byte(sampleCSV)},
		{ID: "two", MeterID: "", Data: []byte(sampleCSV)},
		{ID: "three", MeterID: "m1", Data: []byte(sampleCSV)},
	}})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/api/v1/imports", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	outcomes := readOutcomes(t, resp)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "one", outcomes[0].ItemID)
	assert.Equal(t, ingest.StatusFailed, outcomes[1].Status)
	assert.Equal(t, 2, outcomes[2].DuplicatesSkipped)
}

func TestImportValidation(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/imports", "text/csv", strings.NewReader(sampleCSV))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/imports", "application/json", strings.NewReader(`{"items":[]}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/v1/imports/pause?run_id=nope", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/imports")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestImportControlPausesRegisteredRun(t *testing.T) {
	h := NewImportsHandler(nil)
	control := ingest.NewControl()
	h.runs["run-1"] = control

	rec := httptest.NewRecorder()
	h.serveControl(rec, httptest.NewRequest(http.MethodPost, "/api/v1/imports/pause?run_id=run-1", nil), (*ingest.Control).Pause)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, control.Paused())
	assert.Contains(t, rec.Body.String(), `"paused":true`)

	rec = httptest.NewRecorder()
	h.serveControl(rec, httptest.NewRequest(http.MethodPost, "/api/v1/imports/resume?run_id=run-1", nil), (*ingest.Control).Resume)
	assert.False(t, control.Paused())
}

func importSample(t *testing.T, srv testServer) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/v1/imports?meter_id=m1", "text/csv", strings.NewReader(sampleCSV))
	require.NoError(t, err)
	readOutcomes(t, resp)
	resp.Body.Close()
}

func TestAggregationEndpoint(t *testing.T) {
	srv := newTestServer(t)
	importSample(t, srv)

	body := `{"parent_meter_id":"site","from":"2024-03-05T00:00:00Z","to":"2024-03-05T01:00:00Z"}`
	resp, err := http.Post(srv.URL+"/api/v1/aggregations", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result analytics.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, 2, result.Slots)
	assert.Equal(t, 4.0, result.TotalEnergyKWh)

	resp, err = http.Post(srv.URL+"/api/v1/aggregations", "application/json", strings.NewReader(`{"parent_meter_id":"site"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tree := `{"parent_meter_id":"site","tree":true,"from":"2024-03-05T00:00:00Z","to":"2024-03-05T01:00:00Z"}`
	resp, err = http.Post(srv.URL+"/api/v1/aggregations", "application/json", strings.NewReader(tree))
	require.NoError(t, err)
	defer resp.Body.Close()
	var results []analytics.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&results))
	require.Len(t, results, 1)
}

func TestCostsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	importSample(t, srv)
	window := "&from=2024-03-05T00:00:00Z&to=2024-03-06T00:00:00Z"

	resp, err := http.Get(srv.URL + "/api/v1/costs?meter_id=m1&tariff_id=flat" + window)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cost settlementapp.MeterCost
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cost))
	assert.Equal(t, 4.0, cost.TotalKWh)
	assert.Equal(t, 8.0, cost.TotalCost)
	assert.Equal(t, "m1", cost.MeterID)

	resp, err = http.Get(srv.URL + "/api/v1/costs?meter_id=m1&tariff_id=flat&format=xlsx" + window)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, xlsxType, resp.Header.Get("Content-Type"))

	resp, err = http.Get(srv.URL + "/api/v1/costs?meter_id=m1&tariff_id=missing" + window)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/costs?meter_id=m1&tariff_id=flat&from=yesterday")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/costs/seasonal?meter_id=m1" + window)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetersEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/meters", "application/json",
		strings.NewReader(`{"id":"pv","parent_id":"site","polarity":"generation"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	children, err := srv.meters.GetChildren(context.Background(), "site")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "pv"}, children)

	resp, err = http.Post(srv.URL+"/api/v1/meters", "application/json",
		strings.NewReader(`{"id":"site","parent_id":"m1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/meters")
	require.NoError(t, err)
	defer resp.Body.Close()
	var meters []masterdata.Meter
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meters))
	require.Len(t, meters, 3)
	assert.Equal(t, masterdata.PolarityGeneration, meters[1].Polarity)
}

func TestExportReadingsCSV(t *testing.T) {
	srv := newTestServer(t)
	importSample(t, srv)

	resp, err := http.Get(srv.URL + "/api/v1/exports/readings.csv?meter_id=m1&from=2024-03-05T00:00:00Z&to=2024-03-06T00:00:00Z")
	require.NoError(t, err)
	defer resp.Body.Close()

	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "meter_id", rows[0][0])
	assert.Equal(t, []string{"m1", "kWh", "2024-03-05T00:00:00.000Z", "1.5", "kWh", "upload"}, rows[1])
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusBadRequest, statusFor(analytics.ErrInvalidRequest))
}
