// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the advisor service.
//
// This file contains the persisted conversation and message models plus
// the request types for the conversation CRUD endpoints. Chat turn types
// live in chat.go, streaming types in stream.go.
package datatypes

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTitleLength is the maximum length of a conversation title.
	MaxTitleLength = 200

	// RoleUser and RoleAssistant are the only two persisted message roles.
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// advisorValidate is the validator instance for advisor datatypes.
// Initialized in init() with custom validators.
var advisorValidate *validator.Validate

func init() {
	advisorValidate = validator.New()
	_ = advisorValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the message content byte limit. Byte length is
// checked (not rune count) to bound memory regardless of encoding.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// generateUUID returns a fresh UUID v4 string for entity identifiers.
func generateUUID() string {
	return uuid.NewString()
}

// nowMillis returns the current Unix timestamp in milliseconds UTC, the
// timestamp convention used across the persisted models.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// =============================================================================
// Persisted Models
// =============================================================================

// Conversation is one chat session between a farmer and the assistant.
//
// # Description
//
// A conversation is created when the client opens a chat session and is
// touched (updatedAt refreshed) every time a message exchange completes.
// UserID is nil for anonymous sessions. Timestamps are Unix milliseconds
// UTC. UpdatedAt is never earlier than CreatedAt.
type Conversation struct {
	ID        string  `json:"id"`
	UserID    *string `json:"userId,omitempty"`
	Title     string  `json:"title"`
	Language  string  `json:"language"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
}

// Message is one persisted turn of a conversation.
//
// # Description
//
// Messages belong to exactly one conversation and are immutable after
// creation. Role is "user" or "assistant". ImageURL and AudioURL are
// optional attachment references; Metadata carries structured data such
// as a raw vision analysis and round-trips byte-exact as JSON.
// CreatedAt is Unix milliseconds UTC; history order is ascending
// creation time.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ImageURL       *string         `json:"imageUrl,omitempty"`
	AudioURL       *string         `json:"audioUrl,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
}

// NewConversation creates a Conversation with a fresh UUID and current
// timestamps. Language defaults to "en" when empty.
func NewConversation(userID *string, title, language string) *Conversation {
	if language == "" {
		language = "en"
	}
	now := nowMillis()
	return &Conversation{
		ID:        generateUUID(),
		UserID:    userID,
		Title:     title,
		Language:  language,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewMessage creates a Message with a fresh UUID and current timestamp.
func NewMessage(conversationID, role, content string) *Message {
	return &Message{
		ID:             generateUUID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      nowMillis(),
	}
}

// =============================================================================
// Conversation CRUD Request Types
// =============================================================================

// CreateConversationRequest is the body of POST /api/conversations.
//
// # Validation
//
//   - Title: required, at most 200 characters
//   - Language: optional ISO-style code, defaults to "en"
type CreateConversationRequest struct {
	UserID   *string `json:"userId" validate:"omitempty,max=100"`
	Title    string  `json:"title" validate:"required,max=200"`
	Language string  `json:"language" validate:"omitempty,max=16"`
}

// Validate validates the CreateConversationRequest fields.
func (r *CreateConversationRequest) Validate() error {
	return advisorValidate.Struct(r)
}

// EnsureDefaults populates optional fields with their defaults.
func (r *CreateConversationRequest) EnsureDefaults() {
	if r.Language == "" {
		r.Language = "en"
	}
}

// CreateMessageRequest is the body of POST /api/conversations/:id/messages.
// The conversation id comes from the path, not the body.
type CreateMessageRequest struct {
	Role     string          `json:"role" validate:"required,oneof=user assistant"`
	Content  string          `json:"content" validate:"required,maxbytes"`
	ImageURL *string         `json:"imageUrl" validate:"omitempty,url"`
	AudioURL *string         `json:"audioUrl" validate:"omitempty,url"`
	Metadata json.RawMessage `json:"metadata"`
}

// Validate validates the CreateMessageRequest fields.
func (r *CreateMessageRequest) Validate() error {
	return advisorValidate.Struct(r)
}
