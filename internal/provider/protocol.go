package provider

import (
	"context"
	"errors"
	"fmt"
)

// Protocol is the external generation capability the workers call.
// Implementations talk OpenAI-compatible APIs; the core treats the model
// layer as an opaque text generator.
type Protocol interface {
	// Complete sends a prompt and returns the generated text.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest carries the prompt plus the policy-derived parameters.
type CompletionRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// CompletionResponse is the generated text plus token accounting.
type CompletionResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// TotalTokens reports overall token consumption for cost accounting.
func (r *CompletionResponse) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens
}

// ErrTransient marks failures worth retrying (rate limits, 5xx, timeouts).
// Callers test with errors.Is and count retries against the execution's
// retry budget.
var ErrTransient = errors.New("transient generation error")

// TransientError wraps an underlying cause as retryable. The cause stays
// on the error chain so callers can still classify it with errors.Is.
func TransientError(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransient, cause)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
