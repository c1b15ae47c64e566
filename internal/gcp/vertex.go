package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Extraction Model Prompts ---
const ExtractorSystemPrompt = "You are a tax assistant. You read redacted tax filings and report a small set of financial fields as JSON. Parts of the document are covered by solid black boxes; those areas are redacted and must never be guessed."
const ExtractorUserPrompt = `Analyze the attached redacted tax document.

Extract the following fields into a single JSON object:
- "filing_status": the filing status exactly as written (for example "Single" or "Married filing jointly").
- "w2_wages": total wages, salaries and tips as a number.
- "total_deductions": the total deductions claimed as a number.
- "ira_distributions": IRA distributions as a number.
- "capital_gain_loss": the capital gain or loss as a number (negative for a loss).

Rules:
1. If a value is redacted, missing, illegible or blank, return null for that field.
2. Do not attempt to guess redacted values. Do not return 0 in place of a missing value.
3. Numbers must be plain JSON numbers without currency symbols or thousands separators.
4. Return ONLY valid JSON. Do not include any text before or after the JSON object.`

// ExtractionFieldNames lists the response fields in a stable order.
var ExtractionFieldNames = []string{
	"filing_status",
	"w2_wages",
	"total_deductions",
	"ira_distributions",
	"capital_gain_loss",
}

// VertexClient holds the pre-configured generative model used for field extraction.
type VertexClient struct {
	ExtractorModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a new client holding the extraction model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	extractorModel := baseClient.GenerativeModel(modelName)
	extractorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(ExtractorSystemPrompt)},
	}
	extractorModel.GenerationConfig = genai.GenerationConfig{
		// Force JSON output so the response can be schema-validated.
		ResponseMIMEType: "application/json",
		ResponseSchema:   extractionResponseSchema(),
		Temperature:      genai.Ptr[float32](0.0),
	}

	return &VertexClient{
		ExtractorModel: extractorModel,
		baseClient:     baseClient,
	}, nil
}

func extractionResponseSchema() *genai.Schema {
	number := func(desc string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeNumber, Nullable: true, Description: desc}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"filing_status":     {Type: genai.TypeString, Nullable: true, Description: "Filing status as written"},
			"w2_wages":          number("Wages, salaries, tips"),
			"total_deductions":  number("Total deductions"),
			"ira_distributions": number("IRA distributions"),
			"capital_gain_loss": number("Capital gain or (loss)"),
		},
		Required: ExtractionFieldNames,
	}
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
