package genai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newVisionServer(t *testing.T, payload string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, candidateJSON(payload))
	}))
}

func TestVisionAnalyze_WellFormedResult(t *testing.T) {
	t.Parallel()

	server := newVisionServer(t, `{"diagnosis":"Leaf rust","confidence":87,"treatment":["Apply fungicide"],"prevention":["Rotate crops"],"description":"Orange pustules on leaf undersides"}`)
	defer server.Close()

	analyzer := NewGeminiVisionAnalyzer(newTestGeminiClient(server.URL, "gemini-2.5-pro"))

	result, err := analyzer.Analyze(context.Background(), "aGVsbG8=", "image/jpeg", "wheat field", "en")
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if result.Diagnosis != "Leaf rust" {
		t.Errorf("Unexpected diagnosis: %q", result.Diagnosis)
	}
	if result.Confidence != 87 {
		t.Errorf("Unexpected confidence: %v", result.Confidence)
	}
	if len(result.Treatment) != 1 || len(result.Prevention) != 1 {
		t.Errorf("Lists should survive intact: %+v", result)
	}
}

func TestVisionAnalyze_SanitizesMissingFields(t *testing.T) {
	t.Parallel()

	server := newVisionServer(t, `{}`)
	defer server.Close()

	analyzer := NewGeminiVisionAnalyzer(newTestGeminiClient(server.URL, "gemini-2.5-pro"))

	result, err := analyzer.Analyze(context.Background(), "aGVsbG8=", "image/jpeg", "goat", "en")
	if err != nil {
		t.Fatalf("Analyze returned error: %v", err)
	}
	if result.Diagnosis != "Unknown condition" {
		t.Errorf("Missing diagnosis should default, got %q", result.Diagnosis)
	}
	if result.Confidence != 0 {
		t.Errorf("Missing confidence should default to 0, got %v", result.Confidence)
	}
	if result.Treatment == nil || result.Prevention == nil {
		t.Error("Missing lists should default to empty slices, not nil")
	}
	if result.Description != "No description available" {
		t.Errorf("Missing description should default, got %q", result.Description)
	}
}

func TestVisionAnalyze_ClampsConfidence(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		raw      float64
		expected float64
	}{
		{"negative", -10, 0},
		{"over limit", 150, 100},
		{"boundary low", 0, 0},
		{"boundary high", 100, 100},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeAnalysis(AnalysisResult{Confidence: tc.raw})
			if got.Confidence != tc.expected {
				t.Errorf("Confidence %v should clamp to %v, got %v", tc.raw, tc.expected, got.Confidence)
			}
		})
	}
}

func TestVisionAnalyze_ProviderFailureWrapped(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"code":503,"message":"overloaded"}}`)
	}))
	defer server.Close()

	analyzer := NewGeminiVisionAnalyzer(newTestGeminiClient(server.URL, "gemini-2.5-pro"))

	_, err := analyzer.Analyze(context.Background(), "aGVsbG8=", "image/jpeg", "cow", "en")
	var analysisErr *AnalysisError
	if !errors.As(err, &analysisErr) {
		t.Fatalf("Expected *AnalysisError, got %T: %v", err, err)
	}
}

func TestVisionAnalyze_MalformedJSONWrapped(t *testing.T) {
	t.Parallel()

	server := newVisionServer(t, `this is not json`)
	defer server.Close()

	analyzer := NewGeminiVisionAnalyzer(newTestGeminiClient(server.URL, "gemini-2.5-pro"))

	_, err := analyzer.Analyze(context.Background(), "aGVsbG8=", "image/jpeg", "cow", "en")
	var analysisErr *AnalysisError
	if !errors.As(err, &analysisErr) {
		t.Fatalf("Expected *AnalysisError for malformed payload, got %T: %v", err, err)
	}
}

func TestFormatAnalysisMessage(t *testing.T) {
	t.Parallel()

	msg := FormatAnalysisMessage(&AnalysisResult{
		Diagnosis:   "Foot rot",
		Confidence:  72,
		Treatment:   []string{"Trim hooves", "Apply zinc sulfate footbath"},
		Prevention:  []string{"Keep bedding dry"},
		Description: "Swelling between the claws",
	})

	for _, want := range []string{
		"**Diagnosis:** Foot rot",
		"**Confidence:** 72%",
		"1. Trim hooves",
		"2. Apply zinc sulfate footbath",
		"1. Keep bedding dry",
		"**Description:** Swelling between the claws",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("Formatted message missing %q:\n%s", want, msg)
		}
	}
}
