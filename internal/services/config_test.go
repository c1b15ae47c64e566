package services

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("USE_MOCK_GCP", "true")
	t.Setenv("PII_INFO_TYPES", "PERSON_NAME, ,US_SOCIAL_SECURITY_NUMBER")
	t.Setenv("PREVIEW_URL_TTL", "2m")
	t.Setenv("RASTER_DPI", "not-a-number")

	cfg := LoadConfig()
	if !cfg.UseMock {
		t.Error("UseMock = false")
	}
	if cfg.PreviewTTL != 2*time.Minute {
		t.Errorf("PreviewTTL = %s", cfg.PreviewTTL)
	}
	if cfg.RasterDPI != DefaultRasterDPI {
		t.Errorf("RasterDPI = %d, want default on parse failure", cfg.RasterDPI)
	}
	if len(cfg.PIIInfoTypes) != 2 {
		t.Errorf("PIIInfoTypes = %v", cfg.PIIInfoTypes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("mock config should validate: %v", err)
	}
}

func TestConfigValidateLive(t *testing.T) {
	cfg := Config{
		QuarantineBucket: "vault-bucket",
		VaultBucket:      "vault-bucket",
		RasterDPI:        DefaultRasterDPI,
		PageConcurrency:  1,
		PdftoppmPath:     "pdftoppm",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"PROJECT_ID", "must differ", "DATABASE_URL", "PII_INFO_TYPES"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestNewPipelineFromConfigRejectsInvalidConfig(t *testing.T) {
	_, _, err := NewPipelineFromConfig(context.Background(), Config{UseMock: true, RasterDPI: 10, PageConcurrency: 1, PdftoppmPath: "pdftoppm"}, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "RASTER_DPI") {
		t.Fatalf("err = %v, want RASTER_DPI error", err)
	}
}

func TestNewPipelineFromConfigMock(t *testing.T) {
	cfg := Config{UseMock: true, RasterDPI: 100, PageConcurrency: 2, PdftoppmPath: "pdftoppm", SQLitePath: ":memory:"}
	p, closeFn, err := NewPipelineFromConfig(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewPipelineFromConfig: %v", err)
	}
	defer closeFn()
	recs, err := p.ListRecords(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("fresh mock store has %d records", len(recs))
	}
}
