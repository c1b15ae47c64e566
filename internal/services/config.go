package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/taxdocumentvault/internal/gcp"
	"github.com/Lllllllleong/taxdocumentvault/internal/models"
)

// Config is read from the environment once per process.
type Config struct {
	ProjectID           string
	QuarantineBucket    string
	VaultBucket         string
	VertexRegion        string
	GeminiModel         string
	FirestoreDatabase   string
	FirestoreCollection string
	DatabaseURL         string
	SQLitePath          string
	UseMock             bool
	PreviewTTL          time.Duration
	RasterDPI           int
	PageConcurrency     int
	PdftoppmPath        string
	PIIInfoTypes        []string
	DBMaxConns          int
	DBMinConns          int
	DBDialTimeout       time.Duration
}

// LoadConfig reads Config from the environment.
func LoadConfig() Config {
	return Config{
		ProjectID:           gcp.GetEnv("PROJECT_ID", ""),
		QuarantineBucket:    gcp.GetEnv("QUARANTINE_BUCKET", ""),
		VaultBucket:         gcp.GetEnv("VAULT_BUCKET", ""),
		VertexRegion:        gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		GeminiModel:         gcp.GetEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		FirestoreDatabase:   gcp.GetEnv("FIRESTORE_DATABASE", ""),
		FirestoreCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "submissions"),
		DatabaseURL:         gcp.GetEnv("DATABASE_URL", ""),
		SQLitePath:          gcp.GetEnv("SQLITE_PATH", ":memory:"),
		UseMock:             gcp.GetEnvAsBool("USE_MOCK_GCP", false),
		PreviewTTL:          gcp.GetEnvAsDuration("PREVIEW_URL_TTL", DefaultSignedURLTTL),
		RasterDPI:           gcp.GetEnvAsInt("RASTER_DPI", DefaultRasterDPI),
		PageConcurrency:     gcp.GetEnvAsInt("PAGE_CONCURRENCY", DefaultPageConcurrency),
		PdftoppmPath:        gcp.GetEnv("PDFTOPPM_PATH", "pdftoppm"),
		PIIInfoTypes:        gcp.GetEnvAsList("PII_INFO_TYPES", gcp.DefaultPIIInfoTypes),
		DBMaxConns:          gcp.GetEnvAsInt("DB_MAX_CONNS", 10),
		DBMinConns:          gcp.GetEnvAsInt("DB_MIN_CONNS", 0),
		DBDialTimeout:       gcp.GetEnvAsDuration("DB_DIAL_TIMEOUT", 10*time.Second),
	}
}

// Validate checks the settings the selected mode depends on.
func (c Config) Validate() error {
	var errs []error
	if c.RasterDPI < 72 || c.RasterDPI > 600 {
		errs = append(errs, fmt.Errorf("RASTER_DPI must be between 72 and 600, got %d", c.RasterDPI))
	}
	if c.PageConcurrency < 1 {
		errs = append(errs, fmt.Errorf("PAGE_CONCURRENCY must be positive, got %d", c.PageConcurrency))
	}
	if _, err := normalizeTTL(c.PreviewTTL); err != nil {
		errs = append(errs, fmt.Errorf("PREVIEW_URL_TTL: %w", err))
	}
	if c.PdftoppmPath == "" {
		errs = append(errs, errors.New("PDFTOPPM_PATH must not be empty"))
	}
	if c.UseMock {
		return errors.Join(errs...)
	}
	if c.ProjectID == "" {
		errs = append(errs, errors.New("PROJECT_ID must be set"))
	}
	if c.QuarantineBucket == "" || c.VaultBucket == "" {
		errs = append(errs, errors.New("QUARANTINE_BUCKET and VAULT_BUCKET must be set"))
	} else if c.QuarantineBucket == c.VaultBucket {
		errs = append(errs, errors.New("QUARANTINE_BUCKET and VAULT_BUCKET must differ"))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must be set"))
	}
	if len(c.PIIInfoTypes) == 0 {
		errs = append(errs, errors.New("PII_INFO_TYPES must name at least one info type"))
	}
	return errors.Join(errs...)
}

// NewPipelineFromConfig builds the pipeline for the configured mode. The returned
// closer releases every client that was opened.
func NewPipelineFromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Pipeline, func() error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.UseMock {
		return newMockPipeline(ctx, cfg, logger)
	}
	return newLivePipeline(ctx, cfg, logger)
}

type closers []func() error

func (c closers) close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newMockPipeline(ctx context.Context, cfg Config, logger *slog.Logger) (*Pipeline, func() error, error) {
	logger.Warn("USE_MOCK_GCP is set; using in-memory storage, static detection and static extraction.")

	db, err := OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	records := NewSQLRecordStore(db, DialectSQLite)
	if err := records.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	detector := StaticDetector{Regions: []models.Region{{Top: 100, Left: 100, Width: 200, Height: 50}}}
	redactor := NewRedactor(NewPdftoppmRasterizer(cfg.PdftoppmPath, cfg.RasterDPI, logger), detector, cfg.PageConcurrency, logger)

	p, err := NewPipeline(Dependencies{
		Redactor:   redactor,
		Blobs:      NewMemoryBlobGateway(),
		Extractor:  StaticExtractor{Fields: MockTaxFields()},
		Ledger:     NewMemoryLedger(),
		Records:    records,
		Auditor:    NewCloudEventAuditor(logger),
		Logger:     logger,
		PreviewTTL: cfg.PreviewTTL,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return p, db.Close, nil
}

func newLivePipeline(ctx context.Context, cfg Config, logger *slog.Logger) (*Pipeline, func() error, error) {
	var cs closers
	fail := func(err error) (*Pipeline, func() error, error) {
		if cerr := cs.close(); cerr != nil {
			logger.Error("Failed to release clients after initialization error.", "error", cerr)
		}
		return nil, nil, err
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return fail(fmt.Errorf("storage.NewClient: %w", err))
	}
	cs = append(cs, storageClient.Close)
	blobs, err := NewGCSBlobGateway(storageClient, cfg.QuarantineBucket, cfg.VaultBucket, logger)
	if err != nil {
		return fail(err)
	}

	fsClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.FirestoreDatabase)
	if err != nil {
		return fail(err)
	}
	cs = append(cs, fsClient.Close)

	db, pool, err := OpenPostgres(ctx, DBConfig{
		DSN:         cfg.DatabaseURL,
		MaxConns:    int32(cfg.DBMaxConns),
		MinConns:    int32(cfg.DBMinConns),
		DialTimeout: cfg.DBDialTimeout,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("open postgres: %w", err))
	}
	cs = append(cs, func() error { pool.Close(); return nil }, db.Close)
	records := NewSQLRecordStore(db, DialectPostgres)
	if err := records.Migrate(ctx); err != nil {
		return fail(err)
	}

	// Detection and extraction degrade to an explicit unavailable error instead of
	// failing startup, so the remaining operations keep working.
	var detector PIIDetector
	if dlpClient, err := gcp.NewDLPClient(ctx, cfg.ProjectID); err != nil {
		logger.Error("CRITICAL: DLP client initialization failed; intake will be refused.", "error", err)
		detector = unavailableDetector{cause: err}
	} else {
		cs = append(cs, dlpClient.Close)
		detector = NewDLPDetector(dlpClient, cfg.ProjectID, cfg.PIIInfoTypes, logger)
	}

	var extractor FieldExtractor
	if vertexClient, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.VertexRegion, cfg.GeminiModel); err != nil {
		logger.Error("CRITICAL: Vertex AI client initialization failed; approvals will stop before extraction.", "error", err)
		extractor = unavailableExtractor{cause: err}
	} else {
		cs = append(cs, vertexClient.Close)
		vx, err := NewVertexExtractor(vertexClient, logger)
		if err != nil {
			return fail(err)
		}
		extractor = vx
	}

	redactor := NewRedactor(NewPdftoppmRasterizer(cfg.PdftoppmPath, cfg.RasterDPI, logger), detector, cfg.PageConcurrency, logger)
	p, err := NewPipeline(Dependencies{
		Redactor:   redactor,
		Blobs:      blobs,
		Extractor:  extractor,
		Ledger:     NewFirestoreLedger(fsClient, cfg.FirestoreCollection),
		Records:    records,
		Auditor:    NewCloudEventAuditor(logger),
		Logger:     logger,
		PreviewTTL: cfg.PreviewTTL,
	})
	if err != nil {
		return fail(err)
	}
	logger.Info("Pipeline initialized.", "project", cfg.ProjectID, "quarantineBucket", cfg.QuarantineBucket, "vaultBucket", cfg.VaultBucket)
	return p, cs.close, nil
}
