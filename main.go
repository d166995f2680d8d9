package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	analyticsapp "gridledger/internal/analytics/application"
	analyticsevents "gridledger/internal/analytics/application/events"
	apihttp "gridledger/internal/api/http"
	"gridledger/internal/eventing"
	ingestapp "gridledger/internal/ingest/application"
	ingestevents "gridledger/internal/ingest/application/events"
	ingestinterfaces "gridledger/internal/ingest/interfaces"
	masterapp "gridledger/internal/masterdata/application"
	masterdata "gridledger/internal/masterdata/domain"
	mastermemory "gridledger/internal/masterdata/infrastructure/memory"
	masterpostgres "gridledger/internal/masterdata/infrastructure/postgres"
	"gridledger/internal/observability/metrics"
	settlementapp "gridledger/internal/settlement/application"
	settlement "gridledger/internal/settlement/domain"
	"gridledger/internal/settlement/infrastructure/pricing"
	settlementinterfaces "gridledger/internal/settlement/interfaces"
	telemetryapp "gridledger/internal/telemetry/application"
	telemetry "gridledger/internal/telemetry/domain"
	"gridledger/internal/telemetry/infrastructure/influx"
	telemetrymemory "gridledger/internal/telemetry/infrastructure/memory"
	telemetrypostgres "gridledger/internal/telemetry/infrastructure/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("dotenv load error: %v", err)
	}
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
	}
	metrics.Init(db, logger)

	readingRepo, closeRepo, err := openReadingRepository(ctx, cfg, db)
	if err != nil {
		logger.Fatalf("reading repository error: %v", err)
	}
	defer closeRepo()
	store, err := telemetryapp.NewReadingStore(readingRepo,
		telemetryapp.WithBatchSize(cfg.InsertBatchSize),
		telemetryapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("reading store error: %v", err)
	}

	meterRepo, err := openMeterRepository(cfg, db)
	if err != nil {
		logger.Fatalf("meter repository error: %v", err)
	}
	meters, err := masterapp.NewMeterService(meterRepo)
	if err != nil {
		logger.Fatalf("meter service error: %v", err)
	}
	if _, err := meters.Hierarchy(ctx); err != nil {
		logger.Fatalf("meter hierarchy error: %v", err)
	}

	bus := eventing.NewInMemoryBus()
	logPublisher := ingestinterfaces.NewLoggingPublisher(logger)
	eventing.Subscribe(bus, eventing.EventTypeOf[ingestevents.ImportCompleted](), "import.log", logPublisher.Handle, nil)
	eventing.Subscribe(bus, eventing.EventTypeOf[analyticsevents.AggregationCompleted](), "aggregation.log", logPublisher.Handle, nil)
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := ingestinterfaces.NewSyncProducer(ingestinterfaces.KafkaConfig{
			Brokers:  cfg.KafkaBrokers,
			Topic:    cfg.KafkaTopic,
			ClientID: "gridledger",
		})
		if err != nil {
			logger.Fatalf("kafka producer error: %v", err)
		}
		kafkaPublisher, err := ingestinterfaces.NewKafkaPublisher(producer, cfg.KafkaTopic, logger)
		if err != nil {
			logger.Fatalf("kafka publisher error: %v", err)
		}
		defer kafkaPublisher.Close()
		eventing.Subscribe(bus, eventing.EventTypeOf[ingestevents.ImportCompleted](), "import.kafka", kafkaPublisher.Handle, nil)
		eventing.Subscribe(bus, eventing.EventTypeOf[analyticsevents.AggregationCompleted](), "aggregation.kafka", kafkaPublisher.Handle, nil)
	}

	if cfg.WebhookURL != "" {
		var webhookOpts []ingestinterfaces.WebhookOption
		if cfg.WebhookAll {
			webhookOpts = append(webhookOpts, ingestinterfaces.WithWebhookAll())
		}
		webhook, err := ingestinterfaces.NewWebhookPublisher(cfg.WebhookURL, webhookOpts...)
		if err != nil {
			logger.Fatalf("webhook publisher error: %v", err)
		}
		eventing.Subscribe(bus, eventing.EventTypeOf[ingestevents.ImportCompleted](), "import.webhook", webhook.Handle, nil)
		eventing.Subscribe(bus, eventing.EventTypeOf[analyticsevents.AggregationCompleted](), "aggregation.webhook", webhook.Handle, nil)
	}

	aggregator, err := analyticsapp.NewHierarchyAggregator(meters, store,
		analyticsapp.WithPublisher(bus),
		analyticsapp.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("aggregator error: %v", err)
	}

	ingestCfg, err := ingestapp.LoadConfig()
	if err != nil {
		logger.Fatalf("ingest config error: %v", err)
	}
	ingestOpts := []ingestapp.OrchestratorOption{
		ingestapp.WithWorkers(ingestCfg.Workers),
		ingestapp.WithPublisher(bus),
		ingestapp.WithLogger(logger),
	}
	if ingestCfg.AggregateParents {
		ingestOpts = append(ingestOpts, ingestapp.WithAggregation(aggregator, meters, ingestCfg.Columns))
	}
	orchestrator, err := ingestapp.NewOrchestrator(store, ingestCfg, ingestOpts...)
	if err != nil {
		logger.Fatalf("import orchestrator error: %v", err)
	}

	tariffs, holidays, err := openTariffCatalog(cfg, db)
	if err != nil {
		logger.Fatalf("tariff catalog error: %v", err)
	}
	billingLocation, err := time.LoadLocation(cfg.BillingTimezone)
	if err != nil {
		logger.Fatalf("billing timezone error: %v", err)
	}
	coster, err := settlementapp.NewCostService(tariffs, store,
		settlementapp.WithCalendar(holidays),
		settlementapp.WithLocation(billingLocation),
		settlementapp.WithLogger(logger),
		settlementapp.WithPublisher(settlementinterfaces.NewLoggingPublisher(logger)),
	)
	if err != nil {
		logger.Fatalf("cost service error: %v", err)
	}

	mux := apihttp.NewRouter(apihttp.Dependencies{
		Importer:   orchestrator,
		Aggregator: aggregator,
		Coster:     coster,
		Meters:     meters,
		Readings:   store,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Printf("http listening on %s store=%s", cfg.HTTPAddr, cfg.ReadingStore)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
}

type config struct {
	DatabaseURL     string
	HTTPAddr        string
	ReadingStore    string
	InsertBatchSize int
	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	MetersConfig    string
	TariffConfig    string
	TariffHolidays  []string
	BillingTimezone string
	KafkaBrokers    []string
	KafkaTopic      string
	WebhookURL      string
	WebhookAll      bool
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:     getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		ReadingStore:    getenvDefault("READING_STORE", ""),
		InsertBatchSize: getenvIntDefault("INSERT_BATCH_SIZE", telemetryapp.DefaultBatchSize),
		InfluxURL:       getenvDefault("INFLUX_URL", ""),
		InfluxToken:     getenvDefault("INFLUX_TOKEN", ""),
		InfluxOrg:       getenvDefault("INFLUX_ORG", ""),
		InfluxBucket:    getenvDefault("INFLUX_BUCKET", "meter_readings"),
		MetersConfig:    getenvDefault("METERS_CONFIG", ""),
		TariffConfig:    getenvDefault("TARIFF_CONFIG", ""),
		TariffHolidays:  splitCSV(getenvDefault("TARIFF_HOLIDAYS", "")),
		BillingTimezone: getenvDefault("BILLING_TZ", "Africa/Johannesburg"),
		KafkaBrokers:    splitCSV(getenvDefault("KAFKA_BROKERS", "")),
		KafkaTopic:      getenvDefault("KAFKA_TOPIC", "gridledger.events"),
		WebhookURL:      getenvDefault("WEBHOOK_URL", ""),
		WebhookAll:      getenvDefault("WEBHOOK_ALL", "false") == "true",
	}
	if cfg.ReadingStore == "" {
		cfg.ReadingStore = "memory"
		if cfg.DatabaseURL != "" {
			cfg.ReadingStore = "postgres"
		}
	}
	if cfg.ReadingStore == "postgres" && cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required for the postgres reading store")
	}
	if cfg.TariffConfig == "" && cfg.DatabaseURL == "" {
		log.Fatal("TARIFF_CONFIG or DATABASE_URL is required")
	}
	return cfg
}

func openReadingRepository(ctx context.Context, cfg config, db *sql.DB) (telemetry.Repository, func(), error) {
	switch cfg.ReadingStore {
	case "postgres":
		return telemetrypostgres.NewReadingRepository(db), func() {}, nil
	case "influx":
		repo, err := influx.NewReadingRepository(ctx, influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			return nil, nil, err
		}
		return repo, repo.Close, nil
	case "memory":
		return telemetrymemory.NewReadingRepository(), func() {}, nil
	default:
		return nil, nil, errors.New("READING_STORE must be postgres, influx or memory")
	}
}

func openMeterRepository(cfg config, db *sql.DB) (masterdata.MeterRepository, error) {
	if db != nil {
		return masterpostgres.NewMeterRepository(db), nil
	}
	var meters []masterdata.Meter
	if cfg.MetersConfig != "" {
		data, err := os.ReadFile(cfg.MetersConfig)
		if err != nil {
			return nil, err
		}
		var file struct {
			Meters []masterdata.Meter `yaml:"meters"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, err
		}
		meters = file.Meters
	}
	return mastermemory.NewMeterRepository(meters...), nil
}

func openTariffCatalog(cfg config, db *sql.DB) (settlementapp.TariffCatalog, settlement.HolidayCalendar, error) {
	if cfg.TariffConfig != "" {
		catalog, err := pricing.LoadCatalog(cfg.TariffConfig)
		if err != nil {
			return nil, nil, err
		}
		return catalog, catalog.Holidays(), nil
	}
	holidays, err := pricing.NewHolidayCalendar(cfg.TariffHolidays)
	if err != nil {
		return nil, nil, err
	}
	return pricing.NewPostgresCatalog(db), holidays, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps streamed import responses flowing through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
