// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/advisor/observability"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
	"github.com/pashuai/agrichat/services/genai"
)

// MaxImageUploadBytes caps accepted image uploads at 10 MB.
const MaxImageUploadBytes = 10 * 1024 * 1024

// HandleAnalyzeImage handles POST /api/analyze-image.
//
// # Description
//
// Accepts a multipart form with an "image" file plus conversationId,
// context, and language fields. The image is stored, diagnosed by the
// vision model, and the formatted diagnosis is persisted as a single
// assistant message carrying the image URL and the raw analysis as
// metadata.
//
// Non-image MIME types and oversized files are rejected with 400 before
// any upstream work. A vision provider failure maps to 502: the upload
// was fine, the diagnosis was not.
func HandleAnalyzeImage(turns *services.TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleAnalyzeImage")
		defer span.End()
		observability.ChatRequests.WithLabelValues("image").Inc()

		var req datatypes.AnalyzeImageRequest
		if err := c.ShouldBind(&req); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form fields"})
			return
		}
		req.EnsureDefaults()
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		fileHeader, err := c.FormFile("image")
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if fileHeader.Size > MaxImageUploadBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image exceeds the 10MB limit"})
			return
		}
		contentType := fileHeader.Header.Get("Content-Type")
		if !strings.HasPrefix(contentType, "image/") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Only image files are allowed!"})
			return
		}
		span.SetAttributes(
			attribute.String("image.content_type", contentType),
			attribute.Int64("image.size_bytes", fileHeader.Size),
		)

		file, err := fileHeader.Open()
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, MaxImageUploadBytes+1))
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read image"})
			return
		}
		if len(data) > MaxImageUploadBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image exceeds the 10MB limit"})
			return
		}

		result, err := turns.RunImageTurn(ctx, req.ConversationID, fileHeader.Filename,
			contentType, data, req.Context, req.Language)
		if err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			var analysisErr *genai.AnalysisError
			if errors.As(err, &analysisErr) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "vision analysis failed")
				slog.Error("Vision analysis failed", "error", err,
					"conversationId", req.ConversationID)
				observability.ChatErrors.WithLabelValues("image", "vision").Inc()
				c.JSON(http.StatusBadGateway, gin.H{"error": "image analysis failed"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "image turn failed")
			slog.Error("Image turn failed", "error", err,
				"conversationId", req.ConversationID)
			observability.ChatErrors.WithLabelValues("image", "internal").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to analyze image"})
			return
		}

		c.JSON(http.StatusOK, result)
	}
}
