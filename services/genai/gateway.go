package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Strategy is one named model attempt in the fallback chain.
type Strategy struct {
	Name   string
	Client TextClient
}

// Gateway turns an ordered chat history plus a target language into
// assistant text. Strategies are tried in order; a retryable failure
// moves on to the next strategy, a fatal one stops the chain. When every
// strategy fails, buffered generation degrades to an apology string
// rather than surfacing an error, so the conversation never hard-fails.
type Gateway struct {
	strategies []Strategy
	params     GenerationParams
	tracer     trace.Tracer
}

// NewGateway creates a Gateway over the given strategies.
// Panics if no strategy is provided (programming error).
func NewGateway(strategies ...Strategy) *Gateway {
	if len(strategies) == 0 {
		panic("NewGateway: at least one strategy is required")
	}
	for _, s := range strategies {
		if s.Client == nil {
			panic(fmt.Sprintf("NewGateway: strategy %q has a nil client", s.Name))
		}
	}
	return &Gateway{
		strategies: strategies,
		tracer:     otel.Tracer("agrichat.genai.gateway"),
	}
}

// Generate produces a complete assistant reply for the history.
//
// The persona system prompt and language directive are prepended before
// submission. If every strategy fails, the apology fallback string is
// returned with a nil error; callers can keep the conversation moving.
// Context cancellation is the only condition surfaced as an error.
func (g *Gateway) Generate(ctx context.Context, history []ChatMessage, language string) (string, error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("gen.history_len", len(history)),
		attribute.String("gen.language", language),
	)

	messages := BuildHistory(history, language)

	var lastErr error
	for _, s := range g.strategies {
		text, err := s.Client.Chat(ctx, messages, g.params)
		if err == nil && text != "" {
			span.SetAttributes(attribute.String("gen.strategy", s.Name))
			return text, nil
		}
		if err == nil {
			err = fmt.Errorf("strategy %q returned empty text", s.Name)
		}
		lastErr = err
		slog.Warn("Generation strategy failed", "strategy", s.Name, "error", err)
		if !shouldTryNext(err) {
			break
		}
	}

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, ctx.Err().Error())
		return "", ctx.Err()
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all generation strategies failed")
	slog.Error("All generation strategies failed, degrading to apology", "error", lastErr)
	return ApologyFallback, nil
}

// GenerateStream produces an incremental assistant reply, invoking
// onChunk for each text fragment in provider emission order.
//
// Failures before the first delivered chunk advance to the next strategy.
// A failure after chunks have flowed cannot be retried (the partial text
// is already on the wire); the gateway pushes one final apology fragment
// through onChunk and returns a *StreamError so the transport can emit a
// terminal error event and skip persistence. Errors returned by onChunk
// itself (e.g. client disconnect) abort immediately and are returned
// unchanged.
func (g *Gateway) GenerateStream(ctx context.Context, history []ChatMessage,
	language string, onChunk StreamCallback) error {

	ctx, span := g.tracer.Start(ctx, "Gateway.GenerateStream")
	defer span.End()
	span.SetAttributes(attribute.Int("gen.history_len", len(history)))

	messages := BuildHistory(history, language)

	var lastErr error
	for _, s := range g.strategies {
		delivered := false
		var cbErr error
		wrapped := func(ev StreamEvent) error {
			err := onChunk(ev)
			if err != nil {
				cbErr = err
				return err
			}
			if ev.Type == StreamEventToken {
				delivered = true
			}
			return nil
		}

		err := s.Client.ChatStream(ctx, messages, g.params, wrapped)
		if cbErr != nil {
			// The consumer aborted; not a provider failure.
			span.SetStatus(codes.Error, "stream consumer aborted")
			return cbErr
		}
		if err == nil && delivered {
			span.SetAttributes(attribute.String("gen.strategy", s.Name))
			return nil
		}
		if err == nil {
			err = fmt.Errorf("strategy %q produced an empty stream", s.Name)
		}
		lastErr = err

		if delivered {
			// Partial text is already with the client; no clean retry.
			slog.Error("Streaming strategy failed mid-stream",
				"strategy", s.Name, "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "mid-stream failure")
			_ = onChunk(StreamEvent{Type: StreamEventToken, Content: ApologyStreamFragment})
			return &StreamError{Strategy: s.Name, Err: err}
		}

		slog.Warn("Streaming strategy failed before first chunk",
			"strategy", s.Name, "error", err)
		if !shouldTryNext(err) {
			break
		}
	}

	if ctx.Err() != nil {
		span.SetStatus(codes.Error, ctx.Err().Error())
		return ctx.Err()
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all streaming strategies failed")
	_ = onChunk(StreamEvent{Type: StreamEventToken, Content: ApologyStreamFragment})
	return &StreamError{Strategy: "all", Err: lastErr}
}

// shouldTryNext reports whether the chain may continue after err.
// Unclassified errors (plain transport failures) are treated as
// retryable; only explicit fatal errors and context teardown stop the
// chain early.
func shouldTryNext(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return false
	}
	return true
}
