// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains request and response types for the chat turn
// endpoints (buffered chat and image analysis). Streaming types are in
// stream.go.
package datatypes

// ChatRequest is the body of POST /api/chat.
//
// # Description
//
// A buffered chat turn: the content is persisted as a user message,
// a reply is generated against the full conversation history, and both
// persisted messages are returned together.
//
// # Validation
//
//   - ConversationID: required, must reference an existing conversation
//   - Content: required, at most 32KB
//   - Language: optional, defaults to "en"
type ChatRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Content        string `json:"content" validate:"required,maxbytes"`
	Language       string `json:"language" validate:"omitempty,max=16"`
}

// Validate validates the ChatRequest fields.
func (r *ChatRequest) Validate() error {
	return advisorValidate.Struct(r)
}

// EnsureDefaults populates optional fields with their defaults.
func (r *ChatRequest) EnsureDefaults() {
	if r.Language == "" {
		r.Language = "en"
	}
}

// ChatTurnResponse is the result of a successful buffered chat turn.
// Both messages are persisted before this is returned; the user message
// always precedes the assistant message in history order.
type ChatTurnResponse struct {
	UserMessage      *Message `json:"userMessage"`
	AssistantMessage *Message `json:"assistantMessage"`
}

// AnalyzeImageRequest carries the multipart form fields of
// POST /api/analyze-image. The image file itself is read from the
// multipart part named "image".
type AnalyzeImageRequest struct {
	ConversationID string `form:"conversationId" validate:"required"`
	Context        string `form:"context" validate:"omitempty,max=500"`
	Language       string `form:"language" validate:"omitempty,max=16"`
}

// Validate validates the AnalyzeImageRequest fields.
func (r *AnalyzeImageRequest) Validate() error {
	return advisorValidate.Struct(r)
}

// EnsureDefaults populates optional fields with their defaults.
// The default analysis context matches the client's primary use case.
func (r *AnalyzeImageRequest) EnsureDefaults() {
	if r.Context == "" {
		r.Context = "crop disease"
	}
	if r.Language == "" {
		r.Language = "en"
	}
}
