package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/Lllllllleong/taxdocumentvault/internal/gcp"
	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FieldExtractor reads the five tax fields from a vaulted, redacted document.
// documentURI must point into the vault area; the pipeline guarantees this.
type FieldExtractor interface {
	Extract(ctx context.Context, documentURI string) (models.TaxFields, error)
}

// RetryPolicy bounds the retries on resource-exhausted responses.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy: 5 attempts, waits of 2s, 4s, 8s, 10s between them.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   2 * time.Second,
	MaxDelay:    10 * time.Second,
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// contentGenerator is satisfied by *genai.GenerativeModel.
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VertexExtractor calls Gemini on Vertex AI with the document passed by GCS URI.
type VertexExtractor struct {
	model  contentGenerator
	policy RetryPolicy
	schema *jsonschema.Schema
	sleep  sleepFunc
	logger *slog.Logger
}

func NewVertexExtractor(client *gcp.VertexClient, logger *slog.Logger) (*VertexExtractor, error) {
	return newVertexExtractor(client.ExtractorModel, DefaultRetryPolicy, sleepCtx, logger)
}

func newVertexExtractor(model contentGenerator, policy RetryPolicy, sleep sleepFunc, logger *slog.Logger) (*VertexExtractor, error) {
	schema, err := compileExtractionSchema()
	if err != nil {
		return nil, err
	}
	return &VertexExtractor{
		model:  model,
		policy: policy,
		schema: schema,
		sleep:  sleep,
		logger: logger,
	}, nil
}

func (e *VertexExtractor) Extract(ctx context.Context, documentURI string) (models.TaxFields, error) {
	logCtx := e.logger.With("documentUri", documentURI)
	filePart := genai.FileData{
		MIMEType: "application/pdf",
		FileURI:  documentURI,
	}
	prompt := genai.Text(gcp.ExtractorUserPrompt)

	var resp *genai.GenerateContentResponse
	for attempt := 1; ; attempt++ {
		var err error
		resp, err = e.model.GenerateContent(ctx, filePart, prompt)
		if err == nil {
			break
		}
		if !isResourceExhausted(err) {
			logCtx.Error("Call to Vertex AI for extraction failed", "error", err, "attempt", attempt)
			return models.TaxFields{}, fmt.Errorf("failed to generate extraction from gemini: %w", err)
		}
		if attempt >= e.policy.MaxAttempts {
			logCtx.Error("Vertex AI capacity exhausted after all retries.", "attempts", attempt, "error", err)
			return models.TaxFields{}, fmt.Errorf("extraction after %d attempts: %w: %w", attempt, ErrResourceExhausted, err)
		}
		delay := e.policy.Delay(attempt)
		logCtx.Warn("Extraction hit resource exhaustion, will retry.",
			"attempt", attempt,
			"maxAttempts", e.policy.MaxAttempts,
			"backoff", delay.String(),
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return models.TaxFields{}, fmt.Errorf("extraction retry aborted: %w", err)
		}
	}

	raw := extractJSONContent(resp)
	if raw == "" {
		err := fmt.Errorf("gemini returned an empty response instead of JSON")
		logCtx.Error("Empty response from Gemini", "error", err)
		return models.TaxFields{}, err
	}
	fields, err := e.parseFields([]byte(raw))
	if err != nil {
		logCtx.Error("Failed to parse extraction JSON from Gemini", "error", err, "responseBytes", len(raw))
		return models.TaxFields{}, err
	}
	logCtx.Info("Extraction complete.", "presentFields", presentFieldCount(fields))
	return fields, nil
}

// isResourceExhausted recognises quota/capacity errors from the gRPC and REST transports.
func isResourceExhausted(err error) bool {
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests
}

// extractJSONContent gets the raw text content from the model response.
func extractJSONContent(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	// Clean potential markdown fences just in case
	cleanJSON := strings.TrimSpace(b.String())
	cleanJSON = strings.TrimPrefix(cleanJSON, "```json")
	cleanJSON = strings.TrimPrefix(cleanJSON, "```")
	cleanJSON = strings.TrimSuffix(cleanJSON, "```")
	return strings.TrimSpace(cleanJSON)
}

const extractionSchemaJSON = `{
  "type": "object",
  "properties": {
    "filing_status":     {"type": ["string", "null"]},
    "w2_wages":          {"type": ["number", "string", "null"]},
    "total_deductions":  {"type": ["number", "string", "null"]},
    "ira_distributions": {"type": ["number", "string", "null"]},
    "capital_gain_loss": {"type": ["number", "string", "null"]}
  }
}`

func compileExtractionSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extraction.json", strings.NewReader(extractionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("extraction.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (e *VertexExtractor) parseFields(raw []byte) (models.TaxFields, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.TaxFields{}, fmt.Errorf("failed to parse JSON from model: %w", err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return models.TaxFields{}, fmt.Errorf("json does not match schema: %w", err)
	}
	return models.TaxFields{
		FilingStatus:     optionalString(doc["filing_status"]),
		W2Wages:          optionalAmount(doc["w2_wages"]),
		TotalDeductions:  optionalAmount(doc["total_deductions"]),
		IRADistributions: optionalAmount(doc["ira_distributions"]),
		CapitalGainLoss:  optionalAmount(doc["capital_gain_loss"]),
	}, nil
}

// optionalString maps null and blank strings to absent.
func optionalString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// optionalAmount maps null, blank, non-numeric strings ("REDACTED") and non-finite
// values ("NaN", "Infinity") to absent. A numeric zero from the model is kept.
func optionalAmount(v any) *float64 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return &t
	case string:
		s := strings.TrimSpace(t)
		negative := strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")")
		s = strings.Trim(s, "()")
		s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		if negative {
			f = -f
		}
		return &f
	}
	return nil
}

func presentFieldCount(f models.TaxFields) int {
	n := 0
	if f.FilingStatus != nil {
		n++
	}
	for _, v := range []*float64{f.W2Wages, f.TotalDeductions, f.IRADistributions, f.CapitalGainLoss} {
		if v != nil {
			n++
		}
	}
	return n
}

// StaticExtractor returns fixed fields. Used in mock mode and tests.
type StaticExtractor struct {
	Fields models.TaxFields
}

func (e StaticExtractor) Extract(ctx context.Context, documentURI string) (models.TaxFields, error) {
	if err := ctx.Err(); err != nil {
		return models.TaxFields{}, err
	}
	return e.Fields, nil
}

// MockTaxFields mirrors the fixed output used when running without GCP.
func MockTaxFields() models.TaxFields {
	status := "Single"
	wages, deductions, gain := 120000.50, 12000.00, -3000.00
	return models.TaxFields{
		FilingStatus:    &status,
		W2Wages:         &wages,
		TotalDeductions: &deductions,
		CapitalGainLoss: &gain,
	}
}

// unavailableExtractor stands in for a Vertex client that failed to initialize.
// It never fabricates fields.
type unavailableExtractor struct {
	cause error
}

func (e unavailableExtractor) Extract(context.Context, string) (models.TaxFields, error) {
	return models.TaxFields{}, fmt.Errorf("field extractor: %w: %v", ErrDependencyUnavailable, e.cause)
}
