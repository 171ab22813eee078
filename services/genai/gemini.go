package genai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var geminiTracer = otel.Tracer("agrichat.genai.gemini")

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiClient talks to the Gemini REST API directly. Buffered calls use
// models/{model}:generateContent; streaming uses
// models/{model}:streamGenerateContent with SSE framing.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      *float32        `json:"temperature,omitempty"`
	TopP             *float32        `json:"topP,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiGenerateRequest struct {
	SystemInstruction *geminiContent          `json:"system_instruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiClient builds a client from GEMINI_API_KEY, GEMINI_MODEL and
// (for tests) GEMINI_BASE_URL.
func NewGeminiClient() (*GeminiClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = "gemini-2.5-pro"
		slog.Warn("GEMINI_MODEL not set, defaulting to gemini-2.5-pro")
	}
	baseURL := os.Getenv("GEMINI_BASE_URL")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Gemini client", "model", model)
	return &GeminiClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}, nil
}

// WithModel implements TextClient. The returned client shares the
// transport and key but targets a different model variant.
func (g *GeminiClient) WithModel(model string) TextClient {
	clone := *g
	clone.model = model
	return &clone
}

// Model returns the model variant this client targets.
func (g *GeminiClient) Model() string { return g.model }

// toGeminiContents splits a chat history into Gemini's system_instruction
// plus user/model turn contents. The assistant role maps to "model".
func toGeminiContents(messages []ChatMessage) (*geminiContent, []geminiContent) {
	var system *geminiContent
	contents := make([]geminiContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case "assistant":
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return system, contents
}

func toGeminiConfig(params GenerationParams) *geminiGenerationConfig {
	cfg := &geminiGenerationConfig{
		Temperature:     params.Temperature,
		TopP:            params.TopP,
		MaxOutputTokens: params.MaxTokens,
		StopSequences:   params.Stop,
	}
	return cfg
}

// Chat implements the TextClient interface for buffered generation.
func (g *GeminiClient) Chat(ctx context.Context, messages []ChatMessage,
	params GenerationParams) (string, error) {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", g.model),
		attribute.Int("llm.num_messages", len(messages)),
	)
	slog.Debug("Generating text via Gemini", "model", g.model)

	system, contents := toGeminiContents(messages)
	payload := geminiGenerateRequest{
		SystemInstruction: system,
		Contents:          contents,
		GenerationConfig:  toGeminiConfig(params),
	}

	resp, err := g.doGenerate(ctx, ":generateContent", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	text := firstCandidateText(resp)
	if text == "" {
		slog.Warn("Gemini returned no candidates or empty content", "model", g.model)
		return "", fmt.Errorf("gemini returned no candidates")
	}
	slog.Debug("Received response from Gemini", "finish_reason", firstFinishReason(resp))
	return text, nil
}

// ChatStream implements the TextClient interface for incremental
// generation. Each SSE data line from the API carries a partial response;
// its text is forwarded to the callback in arrival order.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []ChatMessage,
	params GenerationParams, callback StreamCallback) error {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.ChatStream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	system, contents := toGeminiContents(messages)
	payload := geminiGenerateRequest{
		SystemInstruction: system,
		Contents:          contents,
		GenerationConfig:  toGeminiConfig(params),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request to Gemini: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create streaming request to Gemini: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("gemini streaming call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		slog.Error("Gemini streaming returned an error",
			"status_code", resp.StatusCode, "response", string(respBody))
		return statusError(resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk geminiGenerateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("Skipping malformed Gemini stream chunk", "error", err)
			continue
		}
		if text := firstCandidateText(&chunk); text != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: text}); cbErr != nil {
				return cbErr
			}
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reading Gemini stream: %w", err)
	}
	return nil
}

// GenerateStructured issues a buffered call with a JSON response mime type
// and schema, optionally with an inline image. Used by the vision path.
func (g *GeminiClient) GenerateStructured(ctx context.Context, systemPrompt string,
	userText string, imageBase64 string, imageMime string, schema json.RawMessage) (string, error) {

	ctx, span := geminiTracer.Start(ctx, "GeminiClient.GenerateStructured")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", g.model))

	parts := make([]geminiPart, 0, 2)
	if imageBase64 != "" {
		if imageMime == "" {
			imageMime = "image/jpeg"
		}
		parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: imageMime, Data: imageBase64}})
	}
	parts = append(parts, geminiPart{Text: userText})

	payload := geminiGenerateRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: &geminiGenerationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}

	resp, err := g.doGenerate(ctx, ":generateContent", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return firstCandidateText(resp), nil
}

// doGenerate posts a generate request and decodes the response.
func (g *GeminiClient) doGenerate(ctx context.Context, method string,
	payload geminiGenerateRequest) (*geminiGenerateResponse, error) {

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Gemini: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s%s?key=%s", g.baseURL, g.model, method, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Gemini: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		slog.Error("Gemini API call failed", "error", err)
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from Gemini: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("Gemini returned an error",
			"status_code", resp.StatusCode, "response", string(respBody))
		return nil, statusError(resp.StatusCode, respBody)
	}

	var parsed geminiGenerateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		slog.Error("Failed to parse JSON response from Gemini", "error", err)
		return nil, fmt.Errorf("failed to parse Gemini response: %w", err)
	}
	return &parsed, nil
}

// statusError maps an HTTP failure onto the retryable/fatal taxonomy used
// by the strategy chain. Rate limits and server errors are worth a
// fallback model; client errors are not.
func statusError(status int, body []byte) error {
	err := fmt.Errorf("gemini failed with status %d: %s", status, string(body))
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return &RetryableError{Strategy: "gemini", Err: err}
	}
	return &FatalError{Strategy: "gemini", Err: err}
}

func firstCandidateText(resp *geminiGenerateResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func firstFinishReason(resp *geminiGenerateResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return resp.Candidates[0].FinishReason
}
