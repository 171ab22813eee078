// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
	"github.com/pashuai/agrichat/services/advisor/observability"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
	"github.com/pashuai/agrichat/services/genai"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// defaultIdleTimeout bounds the silence between consecutive chunks.
	// A stream that produces nothing for this long is terminated with an
	// error frame; overridable via STREAM_IDLE_TIMEOUT_SECONDS.
	defaultIdleTimeout = 15 * time.Second

	// keepAliveInterval is how often SSE comment pings are sent to keep
	// proxies from closing a quiet connection.
	keepAliveInterval = 10 * time.Second

	// chunkChannelBuffer decouples the generator goroutine from SSE
	// write latency without letting unbounded output pile up.
	chunkChannelBuffer = 64
)

// =============================================================================
// Handler
// =============================================================================

// HandleChatStream handles GET /api/chat/stream, the SSE chat turn.
//
// # Description
//
// The stream follows a fixed frame protocol after the SSE headers:
//
//  1. {"status":"connected"} once the connection is established
//  2. {"chunk":"..."} for each incremental text fragment
//  3. {"done":true,"messageId":"..."} after the assistant message is
//     persisted, or {"error":"..."} on any terminal failure
//
// The assistant message is persisted only when generation fully
// completes; an {"error"} frame guarantees nothing was stored for the
// assistant side of the turn. The user message is always persisted
// first so client retries replay a consistent history.
//
// Validation and conversation lookup failures are reported as plain
// JSON errors before the SSE handshake; once streaming starts, all
// failures travel in-band as {"error"} frames.
func HandleChatStream(turns *services.TurnService) gin.HandlerFunc {
	idleTimeout := streamIdleTimeout()

	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleChatStream")
		defer span.End()

		var query datatypes.StreamChatQuery
		if err := c.ShouldBindQuery(&query); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
			return
		}
		query.EnsureDefaults()
		if err := query.Validate(); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		span.SetAttributes(attribute.String("chat.conversation_id", query.ConversationID))

		// Persist the user message and load history before committing to
		// SSE, so an unknown conversation is still a clean 404.
		_, history, err := turns.BeginTurn(ctx, query.ConversationID, query.Content)
		if err != nil {
			if errors.Is(err, store.ErrConversationNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "begin turn failed")
			slog.Error("Failed to begin streaming turn", "error", err,
				"conversationId", query.ConversationID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process message"})
			return
		}

		observability.ChatRequests.WithLabelValues("stream").Inc()
		observability.ActiveStreams.Inc()
		defer observability.ActiveStreams.Dec()

		startTime := time.Now()
		state := datatypes.StreamStatePending
		defer func() {
			observability.StreamDuration.WithLabelValues(string(state)).
				Observe(time.Since(startTime).Seconds())
			span.SetAttributes(attribute.String("stream.state", string(state)))
		}()

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
			state = datatypes.StreamStateErrored
			return
		}
		if err := writer.WriteConnected(); err != nil {
			state = datatypes.StreamStateAborted
			return
		}

		// Weather questions resolve synchronously: one chunk, then done.
		if reply, handled := turns.Intercept(ctx, query.Content, query.Language); handled {
			observability.WeatherInterceptions.Inc()
			if err := writer.WriteChunk(reply); err != nil {
				observability.ClientDisconnects.Inc()
				state = datatypes.StreamStateAborted
				return
			}
			state = finishStream(ctx, turns, writer, query.ConversationID, reply)
			return
		}

		streamGeneration(ctx, turns, writer, query, history, idleTimeout, &state)
	}
}

// =============================================================================
// Stream Pump
// =============================================================================

// streamGeneration runs the generator in its own goroutine and pumps
// chunks to the client, enforcing the idle timeout and watching for
// client disconnects. state moves from pending to streaming on the
// first chunk and always ends terminal.
func streamGeneration(reqCtx context.Context, turns *services.TurnService,
	writer SSEWriter, query datatypes.StreamChatQuery,
	history []genai.ChatMessage, idleTimeout time.Duration,
	state *datatypes.StreamState) {

	ctx, cancel := context.WithCancel(reqCtx)
	defer cancel()

	acc, err := NewReplyAccumulator()
	if err != nil {
		slog.Error("Failed to allocate reply accumulator", "error", err)
		observability.ChatErrors.WithLabelValues("stream", "accumulator").Inc()
		_ = writer.WriteError("Streaming is temporarily unavailable.")
		*state = datatypes.StreamStateErrored
		return
	}
	defer acc.Destroy()

	chunks := make(chan string, chunkChannelBuffer)
	genDone := make(chan error, 1)
	go func() {
		defer close(chunks)
		genDone <- turns.GenerateStream(ctx, history, query.Language,
			func(event genai.StreamEvent) error {
				if event.Type != genai.StreamEventToken || event.Content == "" {
					return nil
				}
				select {
				case chunks <- event.Content:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
	}()

	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	pumpStart := time.Now()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				*state = finishAfterGeneration(reqCtx, turns, writer, acc,
					query.ConversationID, <-genDone)
				return
			}
			if *state != datatypes.StreamStateStreaming {
				*state = datatypes.StreamStateStreaming
				observability.TimeToFirstChunk.Observe(time.Since(pumpStart).Seconds())
			}
			if err := acc.Write(chunk); err != nil {
				slog.Error("Reply accumulation failed", "error", err,
					"accumulator_id", acc.ID())
				observability.ChatErrors.WithLabelValues("stream", "accumulator").Inc()
				_ = writer.WriteError("The response was too large to process.")
				*state = datatypes.StreamStateErrored
				return
			}
			if err := writer.WriteChunk(chunk); err != nil {
				// Write failure means the client went away mid-chunk.
				observability.ClientDisconnects.Inc()
				*state = datatypes.StreamStateAborted
				return
			}
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(idleTimeout)

		case <-idleTimer.C:
			slog.Warn("Stream idle timeout", "conversationId", query.ConversationID,
				"timeout", idleTimeout)
			observability.ChatErrors.WithLabelValues("stream", "timeout").Inc()
			_ = writer.WriteError("The response timed out. Please try again.")
			*state = datatypes.StreamStateTimedOut
			return

		case <-keepAlive.C:
			if err := writer.WriteKeepAlive(); err != nil {
				observability.ClientDisconnects.Inc()
				*state = datatypes.StreamStateAborted
				return
			}

		case <-reqCtx.Done():
			observability.ClientDisconnects.Inc()
			slog.Info("Client disconnected during stream",
				"conversationId", query.ConversationID)
			*state = datatypes.StreamStateAborted
			return
		}
	}
}

// finishAfterGeneration handles the terminal transition once the
// generator goroutine has drained. A generation error produces an
// in-band error frame and persists nothing; the apology chunk the
// gateway already emitted remains display-only.
func finishAfterGeneration(ctx context.Context, turns *services.TurnService,
	writer SSEWriter, acc ReplyAccumulator, conversationID string,
	genErr error) datatypes.StreamState {

	if genErr != nil {
		var streamErr *genai.StreamError
		if errors.As(genErr, &streamErr) {
			slog.Error("Generation failed mid-stream", "error", genErr,
				"strategy", streamErr.Strategy, "conversationId", conversationID)
		} else {
			slog.Error("Generation failed", "error", genErr,
				"conversationId", conversationID)
		}
		observability.ChatErrors.WithLabelValues("stream", "generation").Inc()
		_ = writer.WriteError("Failed to generate a response. Please try again.")
		return datatypes.StreamStateErrored
	}

	text, digest, err := acc.Finalize()
	if err != nil {
		slog.Error("Failed to finalize reply accumulator", "error", err)
		observability.ChatErrors.WithLabelValues("stream", "accumulator").Inc()
		_ = writer.WriteError("Failed to process the response.")
		return datatypes.StreamStateErrored
	}
	slog.Debug("Stream reply finalized", "conversationId", conversationID,
		"reply_length", len(text), "digest", digest[:16])

	return finishStream(ctx, turns, writer, conversationID, text)
}

// finishStream persists the assistant reply and emits the done frame.
// Persistence strictly precedes the frame so a received messageId is
// always resolvable via the history endpoint.
func finishStream(ctx context.Context, turns *services.TurnService,
	writer SSEWriter, conversationID, reply string) datatypes.StreamState {

	// A fully generated reply is persisted even when the client vanished
	// between the last chunk and the done frame.
	msg, err := turns.CompleteTurn(context.WithoutCancel(ctx), conversationID, reply)
	if err != nil {
		slog.Error("Failed to persist assistant message", "error", err,
			"conversationId", conversationID)
		observability.ChatErrors.WithLabelValues("stream", "persistence").Inc()
		_ = writer.WriteError("Failed to save the response.")
		return datatypes.StreamStateErrored
	}
	if err := writer.WriteDone(msg.ID); err != nil {
		observability.ClientDisconnects.Inc()
		return datatypes.StreamStateAborted
	}
	return datatypes.StreamStateCompleted
}

// =============================================================================
// Configuration
// =============================================================================

// streamIdleTimeout reads STREAM_IDLE_TIMEOUT_SECONDS, falling back to
// the default on absence or garbage.
func streamIdleTimeout() time.Duration {
	raw := os.Getenv("STREAM_IDLE_TIMEOUT_SECONDS")
	if raw == "" {
		return defaultIdleTimeout
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		slog.Warn("Invalid STREAM_IDLE_TIMEOUT_SECONDS, using default",
			"value", raw, "default", defaultIdleTimeout)
		return defaultIdleTimeout
	}
	return time.Duration(seconds) * time.Second
}
