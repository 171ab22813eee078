package genai

import "context"

// ChatMessage is one entry of the conversation history sent to a backend.
// Role is "system", "user" or "assistant".
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType identifies what a StreamEvent carries.
type StreamEventType string

const (
	StreamEventToken StreamEventType = "token"
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one incremental unit produced during streaming generation.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StreamCallback receives stream events in provider emission order.
// Returning a non-nil error aborts the stream.
type StreamCallback func(event StreamEvent) error

// TextClient is the standard interface for any text-generation backend.
type TextClient interface {
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, callback StreamCallback) error

	// WithModel returns a client identical to this one but targeting the
	// given model variant. Used by the strategy chain for fallback models.
	WithModel(model string) TextClient
}
