package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AnalysisResult is the structured outcome of a crop or livestock
// image analysis. Fields are always populated; see sanitizeAnalysis.
type AnalysisResult struct {
	Diagnosis   string   `json:"diagnosis"`
	Confidence  float64  `json:"confidence"`
	Treatment   []string `json:"treatment"`
	Prevention  []string `json:"prevention"`
	Description string   `json:"description"`
}

// VisionAnalyzer diagnoses agricultural images.
type VisionAnalyzer interface {
	Analyze(ctx context.Context, imageBase64, imageMime, userContext, language string) (*AnalysisResult, error)
}

const visionPromptTemplate = `You are an expert agricultural AI vision analyst specializing in crop disease detection and livestock health assessment.

Analyze the provided image and provide:
1. Diagnosis - identify the disease, pest, or health condition
2. Confidence level (0-100%%)
3. Treatment recommendations (specific, actionable steps)
4. Prevention measures for future
5. Detailed description of what you observe

%s

Respond in JSON format with this structure:
{
  "diagnosis": "disease/condition name",
  "confidence": 95,
  "treatment": ["step 1", "step 2"],
  "prevention": ["measure 1", "measure 2"],
  "description": "detailed observation"
}`

// visionSchema constrains the model to the AnalysisResult shape.
var visionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "diagnosis": {"type": "string"},
    "confidence": {"type": "number"},
    "treatment": {"type": "array", "items": {"type": "string"}},
    "prevention": {"type": "array", "items": {"type": "string"}},
    "description": {"type": "string"}
  },
  "required": ["diagnosis", "confidence", "treatment", "prevention", "description"]
}`)

// GeminiVisionAnalyzer runs image diagnosis through a Gemini client
// with a JSON response schema.
type GeminiVisionAnalyzer struct {
	client *GeminiClient
}

// NewGeminiVisionAnalyzer wraps client for structured vision calls.
// Panics if client is nil.
func NewGeminiVisionAnalyzer(client *GeminiClient) *GeminiVisionAnalyzer {
	if client == nil {
		panic("NewGeminiVisionAnalyzer: client must not be nil")
	}
	return &GeminiVisionAnalyzer{client: client}
}

// Analyze diagnoses the image and returns a sanitized result.
//
// The raw model output is never trusted: missing or malformed fields are
// replaced with safe defaults and confidence is clamped to [0, 100], so
// callers always receive a fully populated result. Provider or decode
// failures are wrapped in *AnalysisError.
func (a *GeminiVisionAnalyzer) Analyze(ctx context.Context, imageBase64, imageMime,
	userContext, language string) (*AnalysisResult, error) {

	ctx, span := otel.Tracer("agrichat.genai.vision").Start(ctx, "GeminiVisionAnalyzer.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("vision.language", language))

	languageDirective := ""
	if language != "" && language != DefaultLanguage {
		languageDirective = fmt.Sprintf("Respond in %s language.", language)
	}
	systemPrompt := fmt.Sprintf(visionPromptTemplate, languageDirective)
	userText := fmt.Sprintf("Analyze this agricultural image. Context: %s", userContext)

	raw, err := a.client.GenerateStructured(ctx, systemPrompt, userText,
		imageBase64, imageMime, visionSchema)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &AnalysisError{Err: err}
	}

	var parsed AnalysisResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		slog.Error("Vision analysis returned malformed JSON", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed analysis payload")
		return nil, &AnalysisError{Err: fmt.Errorf("decoding analysis payload: %w", err)}
	}

	result := sanitizeAnalysis(parsed)
	span.SetAttributes(attribute.Float64("vision.confidence", result.Confidence))
	return result, nil
}

// sanitizeAnalysis enforces the output contract: every field populated,
// confidence within [0, 100].
func sanitizeAnalysis(in AnalysisResult) *AnalysisResult {
	out := in
	if out.Diagnosis == "" {
		out.Diagnosis = "Unknown condition"
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 100 {
		out.Confidence = 100
	}
	if out.Treatment == nil {
		out.Treatment = []string{}
	}
	if out.Prevention == nil {
		out.Prevention = []string{}
	}
	if out.Description == "" {
		out.Description = "No description available"
	}
	return &out
}

// FormatAnalysisMessage renders an analysis as the markdown body stored
// as the assistant's reply to an image message.
func FormatAnalysisMessage(a *AnalysisResult) string {
	treatment := ""
	for i, t := range a.Treatment {
		treatment += fmt.Sprintf("%d. %s\n", i+1, t)
	}
	prevention := ""
	for i, p := range a.Prevention {
		prevention += fmt.Sprintf("%d. %s\n", i+1, p)
	}
	return fmt.Sprintf("**AI Vision Analysis**\n\n**Diagnosis:** %s\n**Confidence:** %.0f%%\n\n**Treatment:**\n%s\n**Prevention:**\n%s\n**Description:** %s",
		a.Diagnosis, a.Confidence, treatment, prevention, a.Description)
}
