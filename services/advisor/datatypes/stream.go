// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// =============================================================================
// Streaming Wire Format
// =============================================================================

// StreamPayload is the JSON body of one SSE event on GET /api/chat/stream.
//
// # Description
//
// Every event on the wire is exactly `data: <json>\n\n` where the JSON
// carries exactly one of the payload variants below. Clients parse this
// with EventSource, so the framing and the one-field-per-event shape are
// a hard wire contract:
//
//   - {"status":"connected"}            initial acknowledgment
//   - {"chunk":"..."}                   one generated text fragment
//   - {"done":true,"messageId":"..."}   terminal success, persisted id
//   - {"error":"..."}                   terminal failure
//
// Use the constructors below rather than filling fields by hand.
type StreamPayload struct {
	Status    string `json:"status,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Done      bool   `json:"done,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ConnectedPayload is the initial acknowledgment event body.
func ConnectedPayload() StreamPayload {
	return StreamPayload{Status: "connected"}
}

// ChunkPayload wraps one generated text fragment.
func ChunkPayload(chunk string) StreamPayload {
	return StreamPayload{Chunk: chunk}
}

// DonePayload is the terminal success event body referencing the
// persisted assistant message.
func DonePayload(messageID string) StreamPayload {
	return StreamPayload{Done: true, MessageID: messageID}
}

// ErrorPayload is the terminal failure event body.
func ErrorPayload(message string) StreamPayload {
	return StreamPayload{Error: message}
}

// =============================================================================
// Streaming Session State
// =============================================================================

// StreamState tracks the lifecycle of one streaming session. A session
// starts pending, moves to streaming on the first chunk, and ends in
// exactly one terminal state.
type StreamState string

const (
	StreamStatePending   StreamState = "pending"
	StreamStateStreaming StreamState = "streaming"
	StreamStateCompleted StreamState = "completed"
	StreamStateErrored   StreamState = "errored"
	StreamStateTimedOut  StreamState = "timed_out"
	StreamStateAborted   StreamState = "aborted"
)

// Terminal reports whether s is an end state.
func (s StreamState) Terminal() bool {
	switch s {
	case StreamStateCompleted, StreamStateErrored, StreamStateTimedOut, StreamStateAborted:
		return true
	}
	return false
}

// StreamChatQuery carries the query parameters of GET /api/chat/stream.
// EventSource cannot send a body, so the turn input arrives in the URL.
type StreamChatQuery struct {
	ConversationID string `form:"conversationId" validate:"required"`
	Content        string `form:"content" validate:"required,maxbytes"`
	Language       string `form:"language" validate:"omitempty,max=16"`
}

// Validate validates the StreamChatQuery fields.
func (q *StreamChatQuery) Validate() error {
	return advisorValidate.Struct(q)
}

// EnsureDefaults populates optional fields with their defaults.
func (q *StreamChatQuery) EnsureDefaults() {
	if q.Language == "" {
		q.Language = "en"
	}
}
