// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
	"github.com/pashuai/agrichat/services/genai"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Setup
// =============================================================================

// stubGenerator implements services.Generator with scripted chunks.
type stubGenerator struct {
	chunks      []string
	streamErr   error
	chunkDelay  time.Duration
	streamCalls int
}

func (g *stubGenerator) Generate(ctx context.Context, history []genai.ChatMessage,
	language string) (string, error) {
	if g.streamErr != nil {
		return "", g.streamErr
	}
	return strings.Join(g.chunks, ""), nil
}

func (g *stubGenerator) GenerateStream(ctx context.Context, history []genai.ChatMessage,
	language string, onChunk genai.StreamCallback) error {
	g.streamCalls++
	for _, chunk := range g.chunks {
		if g.chunkDelay > 0 {
			select {
			case <-time.After(g.chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := onChunk(genai.StreamEvent{Type: genai.StreamEventToken, Content: chunk}); err != nil {
			return err
		}
	}
	return g.streamErr
}

type stubInterceptor struct {
	answer  string
	handled bool
}

func (i *stubInterceptor) Intercept(ctx context.Context, message, language string) (string, bool) {
	return i.answer, i.handled
}

// newHandlerStore opens a real sqlite store in a temp directory.
func newHandlerStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// seedConversation creates a conversation and returns its id.
func seedConversation(t *testing.T, db *store.Store) string {
	t.Helper()
	conv, err := db.CreateConversation(context.Background(), nil, "test conversation", "en")
	require.NoError(t, err)
	return conv.ID
}

func newStreamRouter(db *store.Store, gen services.Generator,
	interceptor services.WeatherInterceptor) *gin.Engine {

	turns := services.NewTurnService(db, gen, nil, interceptor, nil)
	router := gin.New()
	router.GET("/api/chat/stream", HandleChatStream(turns))
	return router
}

// parseSSEPayloads decodes the data-only SSE frames of a response body.
func parseSSEPayloads(t *testing.T, body string) []datatypes.StreamPayload {
	t.Helper()

	var payloads []datatypes.StreamPayload
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload datatypes.StreamPayload
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload),
			"every data frame must be valid JSON")
		payloads = append(payloads, payload)
	}
	return payloads
}

func streamRequest(conversationID, content string) *http.Request {
	req := httptest.NewRequest("GET", "/api/chat/stream", nil)
	q := req.URL.Query()
	q.Set("conversationId", conversationID)
	q.Set("content", content)
	req.URL.RawQuery = q.Encode()
	return req
}

// =============================================================================
// HandleChatStream Tests
// =============================================================================

func TestHandleChatStream_SuccessfulTurn(t *testing.T) {
	t.Setenv("AGRICHAT_INSECURE_MEMORY", "true")

	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	gen := &stubGenerator{chunks: []string{"Rotate ", "your ", "crops."}}
	router := newStreamRouter(db, gen, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, streamRequest(convID, "How do I keep soil healthy?"))

	assert.Equal(t, http.StatusOK, w.Code)
	payloads := parseSSEPayloads(t, w.Body.String())
	require.NotEmpty(t, payloads)

	assert.Equal(t, "connected", payloads[0].Status, "first frame must be the connected status")

	var streamed strings.Builder
	var done *datatypes.StreamPayload
	for _, p := range payloads[1:] {
		if p.Chunk != "" {
			streamed.WriteString(p.Chunk)
		}
		if p.Done {
			done = &p
		}
		assert.Empty(t, p.Error)
	}
	require.NotNil(t, done, "stream must end with a done frame")
	assert.NotEmpty(t, done.MessageID)
	assert.Equal(t, "Rotate your crops.", streamed.String())

	// The persisted assistant message matches the streamed concatenation.
	messages, err := db.GetConversationMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, datatypes.RoleUser, messages[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, messages[1].Role)
	assert.Equal(t, streamed.String(), messages[1].Content)
	assert.Equal(t, done.MessageID, messages[1].ID)
}

func TestHandleChatStream_ProviderErrorEmitsErrorFrame(t *testing.T) {
	t.Setenv("AGRICHAT_INSECURE_MEMORY", "true")

	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	gen := &stubGenerator{
		chunks:    []string{"I'm sorry, "},
		streamErr: &genai.StreamError{Strategy: "primary"},
	}
	router := newStreamRouter(db, gen, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, streamRequest(convID, "hello"))

	payloads := parseSSEPayloads(t, w.Body.String())
	require.NotEmpty(t, payloads)

	last := payloads[len(payloads)-1]
	assert.NotEmpty(t, last.Error, "stream must terminate with an error frame")
	for _, p := range payloads {
		assert.False(t, p.Done, "no done frame may follow a provider failure")
	}

	// Only the user message survives; the partial reply is not stored.
	messages, err := db.GetConversationMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, datatypes.RoleUser, messages[0].Role)
}

func TestHandleChatStream_IdleTimeout(t *testing.T) {
	t.Setenv("AGRICHAT_INSECURE_MEMORY", "true")
	t.Setenv("STREAM_IDLE_TIMEOUT_SECONDS", "1")

	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	gen := &stubGenerator{chunks: []string{"too", "late"}, chunkDelay: 3 * time.Second}
	router := newStreamRouter(db, gen, nil)

	w := httptest.NewRecorder()
	start := time.Now()
	router.ServeHTTP(w, streamRequest(convID, "hello"))

	assert.Less(t, time.Since(start), 3*time.Second, "timeout must fire before the first chunk")
	payloads := parseSSEPayloads(t, w.Body.String())
	require.NotEmpty(t, payloads)
	assert.NotEmpty(t, payloads[len(payloads)-1].Error)

	messages, err := db.GetConversationMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 1, "nothing may be persisted for a timed out reply")
}

func TestHandleChatStream_WeatherInterception(t *testing.T) {
	t.Setenv("AGRICHAT_INSECURE_MEMORY", "true")

	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	gen := &stubGenerator{chunks: []string{"unused"}}
	interceptor := &stubInterceptor{answer: "Current temperature in Pune, IN is 29.5°C.", handled: true}
	router := newStreamRouter(db, gen, interceptor)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, streamRequest(convID, "weather in Pune?"))

	payloads := parseSSEPayloads(t, w.Body.String())
	require.Len(t, payloads, 3, "connected, one chunk, done")
	assert.Equal(t, "connected", payloads[0].Status)
	assert.Equal(t, interceptor.answer, payloads[1].Chunk)
	assert.True(t, payloads[2].Done)
	assert.Zero(t, gen.streamCalls, "the model must be bypassed")

	messages, err := db.GetConversationMessages(context.Background(), convID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, interceptor.answer, messages[1].Content)
}

func TestHandleChatStream_UnknownConversation(t *testing.T) {
	db := newHandlerStore(t)
	router := newStreamRouter(db, &stubGenerator{chunks: []string{"x"}}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, streamRequest("missing-id", "hello"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotContains(t, w.Header().Get("Content-Type"), "text/event-stream",
		"lookup failures are plain JSON, not SSE")
}

func TestHandleChatStream_MissingContent(t *testing.T) {
	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	router := newStreamRouter(db, &stubGenerator{chunks: []string{"x"}}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, streamRequest(convID, ""))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChatStream_SSEHeaders(t *testing.T) {
	t.Setenv("AGRICHAT_INSECURE_MEMORY", "true")

	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	router := newStreamRouter(db, &stubGenerator{chunks: []string{"ok"}}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, streamRequest(convID, "hello"))

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}

// stateTracingWriter snapshots the session state at every chunk write.
type stateTracingWriter struct {
	SSEWriter
	state *datatypes.StreamState
	seen  []datatypes.StreamState
}

func (w *stateTracingWriter) WriteChunk(chunk string) error {
	w.seen = append(w.seen, *w.state)
	return w.SSEWriter.WriteChunk(chunk)
}

func TestStreamGeneration_StateLifecycle(t *testing.T) {
	t.Setenv("AGRICHAT_INSECURE_MEMORY", "true")

	db := newHandlerStore(t)
	convID := seedConversation(t, db)
	gen := &stubGenerator{chunks: []string{"first ", "second"}}
	turns := services.NewTurnService(db, gen, nil, nil, nil)

	rec := httptest.NewRecorder()
	inner, err := NewSSEWriter(rec)
	require.NoError(t, err)

	state := datatypes.StreamStatePending
	writer := &stateTracingWriter{SSEWriter: inner, state: &state}

	streamGeneration(context.Background(), turns, writer,
		datatypes.StreamChatQuery{ConversationID: convID, Content: "hello"},
		nil, time.Second, &state)

	require.Len(t, writer.seen, 2)
	for i, s := range writer.seen {
		assert.Equal(t, datatypes.StreamStateStreaming, s, "chunk %d", i)
	}
	assert.Equal(t, datatypes.StreamStateCompleted, state)
}
