// Package llm abstracts the completion model used for answer synthesis.
package llm

import "context"

// CompletionRequest is one synthesis call.
type CompletionRequest struct {
	// System is the system prompt framing the assistant's role.
	System string
	// Prompt is the full user prompt including retrieved context.
	Prompt string
	// Temperature controls sampling (default 0.7).
	Temperature float32
	// MaxTokens bounds the generated output (default 4096).
	MaxTokens int
	// User is passed through to the provider for per-tenant auditing.
	User string
}

// CompletionResponse is the model's output.
type CompletionResponse struct {
	Text       string
	TokensUsed int
	Model      string
}

// LLM generates a completion for a prompt
type LLM interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	ModelName() string
}
