package llm

import (
	"context"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client defines the interface for LLM interactions
type Client interface {
	// Complete returns the full response in one shot.
	Complete(ctx context.Context, messages []Message) (string, error)
	// Stream delivers the response incrementally through onChunk and
	// returns the accumulated text. A non-nil error from onChunk aborts
	// the stream and is returned as-is.
	Stream(ctx context.Context, messages []Message, onChunk func(chunk string) error) (string, error)
	GetModelInfo() ModelInfo
}

// ModelInfo contains information about the LLM model
type ModelInfo struct {
	Name                string
	Provider            string
	MaxCompletionTokens int
}

// Config holds configuration for LLM clients
type Config struct {
	Provider            string
	Model               string
	APIKey              string
	MaxCompletionTokens int
	Temperature         float64
}
