// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// The chat stream uses data-only framing: every event is a single
// "data: {json}\n\n" block with no event-type line. Clients dispatch on
// the payload fields ({"status"}, {"chunk"}, {"done","messageId"},
// {"error"}), not on SSE event names.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The streaming
// handler emits chunks and keep-alives from different goroutines.
type SSEWriter interface {
	// WritePayload serializes the payload to JSON and writes one
	// data-only SSE frame, flushing immediately.
	WritePayload(payload datatypes.StreamPayload) error

	// WriteConnected writes the {"status":"connected"} preamble frame.
	WriteConnected() error

	// WriteChunk writes one incremental text fragment.
	WriteChunk(content string) error

	// WriteDone writes the terminal frame carrying the persisted
	// assistant message id. Nothing may be written after it.
	WriteDone(messageID string) error

	// WriteError writes a terminal error frame. The message must
	// already be sanitized for client display.
	WriteError(message string) error

	// WriteKeepAlive writes an SSE comment line (": ping\n\n").
	// Comments are invisible to clients but reset proxy idle timers.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// Thread-safe via mutex; cannot be reused across requests.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// =============================================================================
// Constructor
// =============================================================================

// NewSSEWriter wraps the ResponseWriter for SSE output.
//
// # Description
//
// The caller must set SSE headers via SetSSEHeaders before the first
// write. Returns an error when the ResponseWriter does not implement
// http.Flusher, in which case the handler should fall back to a plain
// HTTP error.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WritePayload(payload datatypes.StreamPayload) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteConnected() error {
	return w.WritePayload(datatypes.ConnectedPayload())
}

func (w *sseWriter) WriteChunk(content string) error {
	return w.WritePayload(datatypes.ChunkPayload(content))
}

func (w *sseWriter) WriteDone(messageID string) error {
	return w.WritePayload(datatypes.DonePayload(messageID))
}

func (w *sseWriter) WriteError(message string) error {
	return w.WritePayload(datatypes.ErrorPayload(message))
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response headers for SSE streaming.
// Must run before any body write. X-Accel-Buffering disables nginx
// response buffering so chunks reach the client as they are produced.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
