// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
	"github.com/pashuai/agrichat/services/genai"
)

// =============================================================================
// Test Setup
// =============================================================================

type stubAnalyzer struct {
	result *genai.AnalysisResult
	err    error
}

func (a *stubAnalyzer) Analyze(ctx context.Context, imageBase64, imageMime,
	userContext, language string) (*genai.AnalysisResult, error) {
	return a.result, a.err
}

type stubBlobStore struct {
	url string
}

func (b *stubBlobStore) Put(ctx context.Context, name, contentType string,
	data []byte) (string, error) {
	return b.url, nil
}

func newVisionRouter(db *store.Store, analyzer genai.VisionAnalyzer) *gin.Engine {
	turns := services.NewTurnService(db, &stubGenerator{chunks: []string{"unused"}},
		analyzer, nil, &stubBlobStore{url: "/uploads/leaf-ab12cd34.jpg"})
	router := gin.New()
	router.POST("/api/analyze-image", HandleAnalyzeImage(turns))
	return router
}

// buildImageForm builds a multipart body with an image part and the
// given form fields.
func buildImageForm(t *testing.T, fileField, fileName, contentType string,
	fileBytes []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition",
		`form-data; name="`+fileField+`"; filename="`+fileName+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(fileBytes)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

// =============================================================================
// HandleAnalyzeImage Tests
// =============================================================================

func TestHandleAnalyzeImage_Success(t *testing.T) {
	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	analysis := &genai.AnalysisResult{
		Diagnosis:   "Powdery mildew",
		Confidence:  92,
		Treatment:   []string{"Apply sulfur spray"},
		Prevention:  []string{"Improve airflow"},
		Description: "White fungal coating on leaves",
	}
	router := newVisionRouter(db, &stubAnalyzer{result: analysis})

	body, contentType := buildImageForm(t, "image", "leaf.jpg", "image/jpeg",
		[]byte("fake-jpeg-bytes"), map[string]string{
			"conversationId": convID,
			"context":        "tomato plant",
		})
	req := httptest.NewRequest("POST", "/api/analyze-image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result services.ImageTurnResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.NotNil(t, result.Message)
	assert.Contains(t, result.Message.Content, "**Diagnosis:** Powdery mildew")
	require.NotNil(t, result.Message.ImageURL)
	assert.Equal(t, "/uploads/leaf-ab12cd34.jpg", *result.Message.ImageURL)
	assert.Equal(t, *analysis, *result.Analysis)

	messages, err := db.GetConversationMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, datatypes.RoleAssistant, messages[0].Role)
}

func TestHandleAnalyzeImage_RejectsNonImage(t *testing.T) {
	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	router := newVisionRouter(db, &stubAnalyzer{result: &genai.AnalysisResult{}})

	body, contentType := buildImageForm(t, "image", "notes.txt", "text/plain",
		[]byte("not an image"), map[string]string{"conversationId": convID})
	req := httptest.NewRequest("POST", "/api/analyze-image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Only image files are allowed!")
}

func TestHandleAnalyzeImage_MissingFile(t *testing.T) {
	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	router := newVisionRouter(db, &stubAnalyzer{result: &genai.AnalysisResult{}})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("conversationId", convID))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/analyze-image", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAnalyzeImage_UnknownConversation(t *testing.T) {
	db := newHandlerStore(t)
	router := newVisionRouter(db, &stubAnalyzer{result: &genai.AnalysisResult{}})

	body, contentType := buildImageForm(t, "image", "leaf.jpg", "image/jpeg",
		[]byte("bytes"), map[string]string{"conversationId": "missing"})
	req := httptest.NewRequest("POST", "/api/analyze-image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAnalyzeImage_ProviderFailureIs502(t *testing.T) {
	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	router := newVisionRouter(db,
		&stubAnalyzer{err: &genai.AnalysisError{Err: errors.New("auth failure")}})

	body, contentType := buildImageForm(t, "image", "leaf.jpg", "image/jpeg",
		[]byte("bytes"), map[string]string{"conversationId": convID})
	req := httptest.NewRequest("POST", "/api/analyze-image", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)

	messages, err := db.GetConversationMessages(context.Background(), convID)
	require.NoError(t, err)
	assert.Empty(t, messages, "a failed analysis must not persist a message")
}

// =============================================================================
// HandleTranscribe Tests
// =============================================================================

func TestHandleTranscribe_NoFile(t *testing.T) {
	router := gin.New()
	router.POST("/api/transcribe", HandleTranscribe())

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/transcribe", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"message":"Only image files are allowed!","transcription":""}`,
		w.Body.String())
}

func TestHandleTranscribe_RedirectsToBrowserRecognition(t *testing.T) {
	router := gin.New()
	router.POST("/api/transcribe", HandleTranscribe())

	body, contentType := buildImageForm(t, "audio", "clip.webm", "audio/webm",
		[]byte("audio-bytes"), nil)
	req := httptest.NewRequest("POST", "/api/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"message": "Using browser speech recognition",
		"transcription": "Please speak again using the microphone button"
	}`, w.Body.String())
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_ReturnsOK(t *testing.T) {
	router := gin.New()
	router.GET("/healthz", HealthCheck)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}
