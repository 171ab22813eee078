// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/codes"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/advisor/observability"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
)

// HandleChat handles POST /api/chat, the buffered chat turn.
//
// # Description
//
// Runs a full turn through the turn service and returns both persisted
// messages. The fallback chain inside the generation gateway means a
// total provider outage still yields a 200 with an apology reply; a 5xx
// here indicates a storage failure, not a model failure.
func HandleChat(turns *services.TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleChat")
		defer span.End()
		observability.ChatRequests.WithLabelValues("buffered").Inc()

		var req datatypes.ChatRequest
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

		resp, err := turns.RunBufferedTurn(ctx, req.ConversationID, req.Content, req.Language)
		if err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "chat turn failed")
			slog.Error("Buffered chat turn failed", "error", err,
				"conversationId", req.ConversationID)
			observability.ChatErrors.WithLabelValues("buffered", "turn_failed").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
