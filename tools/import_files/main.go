package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	analyticsapp "gridledger/internal/analytics/application"
	ingestapp "gridledger/internal/ingest/application"
	masterapp "gridledger/internal/masterdata/application"
	masterdata "gridledger/internal/masterdata/domain"
	mastermemory "gridledger/internal/masterdata/infrastructure/memory"
	masterpostgres "gridledger/internal/masterdata/infrastructure/postgres"
	telemetryapp "gridledger/internal/telemetry/application"
	telemetry "gridledger/internal/telemetry/domain"
	telemetrymemory "gridledger/internal/telemetry/infrastructure/memory"
	telemetrypostgres "gridledger/internal/telemetry/infrastructure/postgres"
)

type config struct {
	dsn        string
	dir        string
	meterID    string
	profile    string
	workers    int
	batchSize  int
	aggregate  bool
	dryRun     bool
	summaryOut string
}

func main() {
	cfg := parseConfig()
	if cfg.dir == "" {
		log.Fatal("dir is required")
	}
	if cfg.dsn == "" && !cfg.dryRun {
		log.Fatal("PG_DSN or DATABASE_URL is required unless -dry-run is set")
	}

	items, err := collectItems(cfg.dir, cfg.meterID, cfg.profile)
	if err != nil {
		log.Fatalf("collect files: %v", err)
	}
	if len(items) == 0 {
		log.Fatalf("no .csv or .xlsx files in %s", cfg.dir)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	var (
		readingRepo telemetry.Repository = telemetrymemory.NewReadingRepository()
		meterRepo   masterdata.MeterRepository = mastermemory.NewMeterRepository()
	)
	if !cfg.dryRun {
		db, err := sql.Open("pgx", cfg.dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		readingRepo = telemetrypostgres.NewReadingRepository(db)
		meterRepo = masterpostgres.NewMeterRepository(db)
	}

	store, err := telemetryapp.NewReadingStore(readingRepo, telemetryapp.WithBatchSize(cfg.batchSize), telemetryapp.WithLogger(logger))
	if err != nil {
		log.Fatalf("reading store: %v", err)
	}
	ingestCfg, err := ingestapp.LoadConfig()
	if err != nil {
		log.Fatalf("ingest config: %v", err)
	}
	opts := []ingestapp.OrchestratorOption{
		ingestapp.WithWorkers(cfg.workers),
		ingestapp.WithLogger(logger),
	}
	if cfg.aggregate {
		meters, err := masterapp.NewMeterService(meterRepo)
		if err != nil {
			log.Fatalf("meter service: %v", err)
		}
		aggregator, err := analyticsapp.NewHierarchyAggregator(meters, store, analyticsapp.WithLogger(logger))
		if err != nil {
			log.Fatalf("aggregator: %v", err)
		}
		opts = append(opts, ingestapp.WithAggregation(aggregator, meters, ingestCfg.Columns))
	}
	orchestrator, err := ingestapp.NewOrchestrator(store, ingestCfg, opts...)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}

	log.Printf("importing files=%d workers=%d dry_run=%v", len(items), cfg.workers, cfg.dryRun)
	outcomes := orchestrator.ProcessFiles(ctx, items, nil)

	failed := 0
	for _, out := range outcomes {
		if out.Status != ingestapp.StatusCompleted {
			failed++
		}
		fmt.Printf("%-40s %-14s rows=%d inserted=%d duplicates=%d parse_errors=%d %s\n",
			out.FileName, out.Status, out.TotalRows, out.Inserted, out.DuplicatesSkipped, out.ParseErrors, out.Error)
	}
	if cfg.summaryOut != "" {
		if err := writeSummary(cfg.summaryOut, outcomes); err != nil {
			log.Fatalf("write summary: %v", err)
		}
	}
	if failed > 0 {
		log.Printf("import finished with %d of %d files not completed", failed, len(outcomes))
		os.Exit(1)
	}
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.StringVar(&cfg.dir, "dir", envOrDefault("IMPORT_DIR", ""), "directory of meter files")
	flag.StringVar(&cfg.meterID, "meter-id", envOrDefault("IMPORT_METER_ID", ""), "meter id for every file (default: file name without extension)")
	flag.StringVar(&cfg.profile, "profile", envOrDefault("IMPORT_PROFILE", ingestapp.DefaultProfile), "ingest profile name")
	flag.IntVar(&cfg.workers, "workers", envOrInt("INGEST_WORKERS", 1), "files processed concurrently")
	flag.IntVar(&cfg.batchSize, "batch-size", envOrInt("INSERT_BATCH_SIZE", telemetryapp.DefaultBatchSize), "readings per insert batch")
	flag.BoolVar(&cfg.aggregate, "aggregate", envOrBool("INGEST_AGGREGATE_PARENTS", true), "regenerate parent series after import")
	flag.BoolVar(&cfg.dryRun, "dry-run", envOrBool("DRY_RUN", false), "parse and store in memory only")
	flag.StringVar(&cfg.summaryOut, "summary-out", envOrDefault("SUMMARY_OUT", ""), "write outcomes as JSON to this file")
	flag.Parse()
	return cfg
}

func collectItems(dir, meterID, profile string) ([]ingestapp.ImportItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".csv", ".xlsx":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	items := make([]ingestapp.ImportItem, 0, len(names))
	for i, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		meter := meterID
		if meter == "" {
			meter = strings.TrimSuffix(name, filepath.Ext(name))
		}
		items = append(items, ingestapp.ImportItem{
			ID:       strconv.Itoa(i + 1),
			MeterID:  meter,
			FileName: name,
			Profile:  profile,
			Data:     data,
		})
	}
	return items, nil
}

func writeSummary(path string, outcomes []ingestapp.ImportOutcome) error {
	raw, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envOrBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
