// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services provides the business logic of the advisor service.
//
// The turn controller orchestrates a full conversation turn: persist the
// user's input, build the generation context, produce a reply through
// the weather interceptor or the generation gateway, and persist the
// assistant's reply. Handlers stay thin; all sequencing rules live here.
package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pashuai/agrichat/services/advisor/blob"
	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/genai"
)

var turnTracer = otel.Tracer("agrichat.advisor.services.turn")

// =============================================================================
// Dependency Interfaces
// =============================================================================

// ConversationStore is the slice of the persistence layer the turn
// controller needs. Implementations must be safe for concurrent use.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error)
	CreateMessage(ctx context.Context, msg *datatypes.Message) (*datatypes.Message, error)
	GetConversationMessages(ctx context.Context, conversationID string) ([]*datatypes.Message, error)
	TouchConversation(ctx context.Context, id string) error
}

// Generator produces assistant text from a chat history. Satisfied by
// *genai.Gateway.
type Generator interface {
	Generate(ctx context.Context, history []genai.ChatMessage, language string) (string, error)
	GenerateStream(ctx context.Context, history []genai.ChatMessage, language string,
		onChunk genai.StreamCallback) error
}

// WeatherInterceptor answers weather questions directly, bypassing
// generation for that turn.
type WeatherInterceptor interface {
	Intercept(ctx context.Context, message, language string) (string, bool)
}

// =============================================================================
// TurnService
// =============================================================================

// TurnService runs conversation turns against injected collaborators.
//
// # Description
//
// Within one conversation the persistence sequence is strict: the user
// message write completes before history is read for generation, and the
// assistant message write completes before the conversation timestamp
// refresh. Across conversations turns are fully independent; the service
// itself holds no mutable state.
type TurnService struct {
	store       ConversationStore
	generator   Generator
	analyzer    genai.VisionAnalyzer
	interceptor WeatherInterceptor
	blobs       blob.ObjectStore
	tracer      trace.Tracer
}

// NewTurnService wires a turn controller. interceptor may be nil to
// disable weather interception; analyzer and blobs may be nil when the
// image turn is not served. Panics on a nil store or generator.
func NewTurnService(store ConversationStore, generator Generator,
	analyzer genai.VisionAnalyzer, interceptor WeatherInterceptor,
	blobs blob.ObjectStore) *TurnService {

	if store == nil {
		panic("NewTurnService: store must not be nil")
	}
	if generator == nil {
		panic("NewTurnService: generator must not be nil")
	}
	return &TurnService{
		store:       store,
		generator:   generator,
		analyzer:    analyzer,
		interceptor: interceptor,
		blobs:       blobs,
		tracer:      turnTracer,
	}
}

// BeginTurn verifies the conversation, persists the user message, and
// returns the full ordered history (user message included) projected
// into generation form.
//
// Shared by the buffered and streaming paths so both obey the same
// write-before-read sequencing.
func (s *TurnService) BeginTurn(ctx context.Context, conversationID, content string) (
	*datatypes.Message, []genai.ChatMessage, error) {

	ctx, span := s.tracer.Start(ctx, "TurnService.BeginTurn")
	defer span.End()
	span.SetAttributes(attribute.String("turn.conversation_id", conversationID))

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	userMsg := datatypes.NewMessage(conversationID, datatypes.RoleUser, content)
	if _, err := s.store.CreateMessage(ctx, userMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persisting user message")
		return nil, nil, err
	}

	stored, err := s.store.GetConversationMessages(ctx, conversationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "loading history")
		return nil, nil, err
	}
	return userMsg, toChatHistory(stored), nil
}

// CompleteTurn persists the assistant reply and refreshes the
// conversation timestamp. Called only after generation fully succeeded.
func (s *TurnService) CompleteTurn(ctx context.Context, conversationID, content string) (
	*datatypes.Message, error) {

	ctx, span := s.tracer.Start(ctx, "TurnService.CompleteTurn")
	defer span.End()

	assistantMsg := datatypes.NewMessage(conversationID, datatypes.RoleAssistant, content)
	if _, err := s.store.CreateMessage(ctx, assistantMsg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persisting assistant message")
		return nil, err
	}
	if err := s.store.TouchConversation(ctx, conversationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "touching conversation")
		return nil, err
	}
	return assistantMsg, nil
}

// RunBufferedTurn executes one complete buffered chat turn and returns
// both persisted messages.
//
// The weather interceptor gets first refusal on the turn; when it fully
// resolves the question the generative model is bypassed. A generation
// failure leaves the user message persisted (input is never silently
// dropped) and surfaces the error.
func (s *TurnService) RunBufferedTurn(ctx context.Context, conversationID, content,
	language string) (*datatypes.ChatTurnResponse, error) {

	ctx, span := s.tracer.Start(ctx, "TurnService.RunBufferedTurn")
	defer span.End()

	userMsg, history, err := s.BeginTurn(ctx, conversationID, content)
	if err != nil {
		return nil, err
	}

	reply, handled := "", false
	if s.interceptor != nil {
		reply, handled = s.interceptor.Intercept(ctx, content, language)
	}
	if !handled {
		reply, err = s.generator.Generate(ctx, history, language)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "generation failed")
			return nil, err
		}
	}
	span.SetAttributes(attribute.Bool("turn.weather_intercepted", handled))

	assistantMsg, err := s.CompleteTurn(ctx, conversationID, reply)
	if err != nil {
		return nil, err
	}
	return &datatypes.ChatTurnResponse{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
	}, nil
}

// ImageTurnResult is the outcome of RunImageTurn.
type ImageTurnResult struct {
	Message  *datatypes.Message    `json:"message"`
	Analysis *genai.AnalysisResult `json:"analysis"`
}

// RunImageTurn executes one image-analysis turn: upload the image, run
// vision diagnosis, and persist a single composed assistant message with
// the image reference and the raw analysis attached as metadata.
//
// Text generation is bypassed entirely. An *genai.AnalysisError from the
// analyzer propagates to the caller; a malformed diagnosis is worse than
// a visible failure.
func (s *TurnService) RunImageTurn(ctx context.Context, conversationID, fileName,
	contentType string, data []byte, contextHint, language string) (*ImageTurnResult, error) {

	if s.analyzer == nil || s.blobs == nil {
		return nil, errors.New("image analysis is not configured")
	}

	ctx, span := s.tracer.Start(ctx, "TurnService.RunImageTurn")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.conversation_id", conversationID),
		attribute.Int("turn.image_bytes", len(data)),
	)

	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	imageURL, err := s.blobs.Put(ctx, fileName, contentType, data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "uploading image")
		return nil, err
	}

	analysis, err := s.analyzer.Analyze(ctx, base64.StdEncoding.EncodeToString(data),
		contentType, contextHint, language)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vision analysis failed")
		return nil, err
	}

	msg := datatypes.NewMessage(conversationID, datatypes.RoleAssistant,
		genai.FormatAnalysisMessage(analysis))
	msg.ImageURL = &imageURL
	if raw, err := json.Marshal(analysis); err == nil {
		msg.Metadata = raw
	}
	if _, err := s.store.CreateMessage(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persisting analysis message")
		return nil, err
	}
	if err := s.store.TouchConversation(ctx, conversationID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &ImageTurnResult{Message: msg, Analysis: analysis}, nil
}

// Intercept exposes the weather interceptor to the streaming handler,
// which answers resolved weather questions as a single-chunk stream.
func (s *TurnService) Intercept(ctx context.Context, message, language string) (string, bool) {
	if s.interceptor == nil {
		return "", false
	}
	return s.interceptor.Intercept(ctx, message, language)
}

// GenerateStream forwards to the generation gateway. The handler owns
// the transport concerns; the service only exposes the capability with
// the same signature contract.
func (s *TurnService) GenerateStream(ctx context.Context, history []genai.ChatMessage,
	language string, onChunk genai.StreamCallback) error {
	return s.generator.GenerateStream(ctx, history, language, onChunk)
}

// toChatHistory projects persisted messages into the {role, content}
// pairs the gateway consumes. Attachments and metadata are deliberately
// dropped; they belong to the vision path.
func toChatHistory(messages []*datatypes.Message) []genai.ChatMessage {
	history := make([]genai.ChatMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, genai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history
}
