package genai

import (
	"fmt"
)

// RetryableError marks a provider failure that the strategy chain may
// answer by moving on to the next model strategy (rate limits, 5xx,
// transport failures).
type RetryableError struct {
	Strategy string
	Err      error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("strategy %q failed (retryable): %v", e.Strategy, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError marks a provider failure that must stop the strategy chain
// immediately (bad request, auth failure, context cancellation).
type FatalError struct {
	Strategy string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("strategy %q failed (fatal): %v", e.Strategy, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// StreamError reports a streaming generation that failed after chunks had
// already been delivered. The gateway has already pushed a terminal
// apology chunk through the callback by the time this is returned; the
// transport layer must emit an error event and must not persist the
// partial response.
type StreamError struct {
	Strategy string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream from strategy %q failed mid-flight: %v", e.Strategy, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// AnalysisError reports that a vision analysis call could not be
// completed: network or auth failure, or provider output that does not
// parse as the requested JSON. Parseable output with missing or
// out-of-range fields is not an AnalysisError; result sanitization
// repairs it instead.
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("vision analysis failed: %v", e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }
