// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers provides HTTP handlers for the advisor service.
//
// Handlers are thin: they bind and validate the request, call the store
// or turn service, and map domain errors to HTTP statuses. The streaming
// chat handler additionally owns the SSE transport.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/advisor/store"
)

var handlerTracer = otel.Tracer("agrichat.advisor.handlers")

// CreateConversation handles POST /api/conversations.
func CreateConversation(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "CreateConversation")
		defer span.End()

		var req datatypes.CreateConversationRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		created, err := db.CreateConversation(ctx, req.UserID, req.Title, req.Language)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "creating conversation")
			slog.Error("Failed to create conversation", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
			return
		}
		c.JSON(http.StatusCreated, created)
	}
}

// GetConversation handles GET /api/conversations/:id.
func GetConversation(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "GetConversation")
		defer span.End()

		conv, err := db.GetConversation(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "loading conversation")
			slog.Error("Failed to load conversation", "error", err, "conversationId", c.Param("id"))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

// ListConversations handles GET /api/conversations/user/:userId and
// GET /api/conversations. The userId path param (or, on the bare route,
// the optional userId query) scopes the list; without either the
// anonymous conversations are returned.
func ListConversations(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ListConversations")
		defer span.End()

		var userID *string
		if v := c.Param("userId"); v != "" {
			userID = &v
		} else if v := c.Query("userId"); v != "" {
			userID = &v
		}

		conversations, err := db.GetUserConversations(ctx, userID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "listing conversations")
			slog.Error("Failed to list conversations", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
			return
		}
		c.JSON(http.StatusOK, conversations)
	}
}

// GetConversationMessages handles GET /api/conversations/:id/messages.
// The history is returned oldest first, the order the client replays it.
func GetConversationMessages(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "GetConversationMessages")
		defer span.End()

		conversationID := c.Param("id")
		if _, err := db.GetConversation(ctx, conversationID); err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			span.RecordError(err)
			slog.Error("Failed to load conversation", "error", err, "conversationId", conversationID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
			return
		}

		messages, err := db.GetConversationMessages(ctx, conversationID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "loading messages")
			slog.Error("Failed to load messages", "error", err, "conversationId", conversationID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
			return
		}
		c.JSON(http.StatusOK, messages)
	}
}

// AppendMessage handles POST /api/conversations/:id/messages. It writes
// a single message verbatim without triggering generation; clients use
// it to import history or record out-of-band notes.
func AppendMessage(db *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "AppendMessage")
		defer span.End()

		var req datatypes.CreateMessageRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		msg := datatypes.NewMessage(c.Param("id"), req.Role, req.Content)
		msg.ImageURL = req.ImageURL
		msg.AudioURL = req.AudioURL
		msg.Metadata = req.Metadata
		created, err := db.CreateMessage(ctx, msg)
		if err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "creating message")
			slog.Error("Failed to append message", "error", err, "conversationId", c.Param("id"))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append message"})
			return
		}
		if err := db.TouchConversation(ctx, c.Param("id")); err != nil {
			slog.Warn("Failed to refresh conversation timestamp", "error", err)
		}
		c.JSON(http.StatusCreated, created)
	}
}
